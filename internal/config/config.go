package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// PagePlaceholder is substituted with the 1-based page number in a model's url_template.
const PagePlaceholder = "{page}"

type Config struct {
	Models   []Model  `yaml:"models" validate:"required,min=1,dive"`
	Analysis Analysis `yaml:"analysis"`
	Scrape   Scrape   `yaml:"scrape"`
	Notify   Notify   `yaml:"notify"`
	Retry    Retry    `yaml:"retry"`
	Schedule Schedule `yaml:"schedule"`
	Output   Output   `yaml:"output"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
}

// Model is one tracked car model. Name is the namespace key for listings and statistics.
type Model struct {
	Name        string `yaml:"name" validate:"required"`
	Make        string `yaml:"make" validate:"required"`
	URLTemplate string `yaml:"url_template"`
	FeedURL     string `yaml:"feed_url" validate:"omitempty,url"`
}

// PageURL renders the result page URL for a 1-based page number.
func (m Model) PageURL(page int) string {
	return strings.ReplaceAll(m.URLTemplate, PagePlaceholder, fmt.Sprint(page))
}

type Analysis struct {
	BucketWidth                  int     `yaml:"bucket_width" validate:"gt=0"`
	MinimumSampleThreshold       int     `yaml:"minimum_sample_threshold" validate:"gte=1"`
	IQRMultiplier                float64 `yaml:"iqr_multiplier" validate:"gte=0"`
	HighlightTopN                int     `yaml:"highlight_top_n" validate:"gte=0"`
	HighProfitMarginPercentFloor float64 `yaml:"high_profit_margin_percent_floor" validate:"gte=0"`
	HighProfitAbsoluteFloor      float64 `yaml:"high_profit_absolute_floor" validate:"gte=0"`
}

type Scrape struct {
	Source           string        `yaml:"source" validate:"oneof=browser feed"`
	MaxPagesPerModel int           `yaml:"max_pages_per_model" validate:"gte=1"`
	RateLimit        float64       `yaml:"rate_limit" validate:"gt=0"` // page loads per second
	PageTimeout      time.Duration `yaml:"page_timeout" validate:"gt=0"`
	ChromeBin        string        `yaml:"chrome_bin"`
	UserAgent        string        `yaml:"user_agent"`
	Headless         bool          `yaml:"headless"`
}

type Notify struct {
	Enabled       bool     `yaml:"enabled"`
	SMTP          SMTP     `yaml:"smtp"`
	Recipients    []string `yaml:"recipients" validate:"dive,email"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

type SMTP struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	From        string `yaml:"from" validate:"omitempty,email"`
	FromName    string `yaml:"from_name"`
	UseTLS      bool   `yaml:"use_tls"`
}

// Password reads the SMTP password from the environment variable named in the config.
func (s SMTP) Password() string {
	if s.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(s.PasswordEnv)
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
}

type Schedule struct {
	Cron string `yaml:"cron"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port" validate:"gt=0,lte=65535"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ConfigDir returns the XDG config directory for carwatch.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "carwatch")
}

// DataDir returns the XDG data directory for carwatch.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "carwatch")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/carwatch/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'carwatch init' to create a default config",
		xdgConfig,
	)
}

// LoadEnv loads a .env file from the working directory if one exists.
// Variables already set in the environment win.
func LoadEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Analysis: Analysis{
			BucketWidth:                  25000,
			MinimumSampleThreshold:       5,
			IQRMultiplier:                1.5,
			HighlightTopN:                10,
			HighProfitMarginPercentFloor: 20,
			HighProfitAbsoluteFloor:      2000,
		},
		Scrape: Scrape{
			Source:           "browser",
			MaxPagesPerModel: 2,
			RateLimit:        1,
			PageTimeout:      30 * time.Second,
			Headless:         true,
		},
		Notify: Notify{
			SMTP: SMTP{
				Port:        587,
				PasswordEnv: "CARWATCH_SMTP_PASSWORD",
				FromName:    "carwatch",
				UseTLS:      true,
			},
			SubjectPrefix: "[carwatch]",
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   time.Minute,
			MaxDelay:    10 * time.Minute,
		},
		Schedule: Schedule{Cron: "0 */6 * * *"},
		Server:   Server{Port: 8000},
		Logging:  Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks field constraints and the cross-field rules the struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if seen[m.Name] {
			return fmt.Errorf("invalid config: duplicate model %q", m.Name)
		}
		seen[m.Name] = true

		switch c.Scrape.Source {
		case "browser":
			if !strings.Contains(m.URLTemplate, PagePlaceholder) {
				return fmt.Errorf("invalid config: model %q url_template must contain %s", m.Name, PagePlaceholder)
			}
		case "feed":
			if m.FeedURL == "" {
				return fmt.Errorf("invalid config: model %q needs feed_url for the feed source", m.Name)
			}
		}
	}

	if c.Notify.Enabled {
		if c.Notify.SMTP.Host == "" || c.Notify.SMTP.From == "" {
			return fmt.Errorf("invalid config: notify.smtp.host and notify.smtp.from are required when notify is enabled")
		}
		if len(c.Notify.Recipients) == 0 {
			return fmt.Errorf("invalid config: notify.recipients is empty")
		}
	}
	return nil
}

// Model returns the configured model with the given name.
func (c *Config) Model(name string) (Model, bool) {
	for _, m := range c.Models {
		if strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	return Model{}, false
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
