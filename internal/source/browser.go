package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// BrowserConfig configures the headless Chrome renderer.
type BrowserConfig struct {
	ChromeBin   string
	UserAgent   string
	Headless    bool
	PageTimeout time.Duration
	// ListingWait bounds the wait for the first listing element; a page without
	// listings is returned as is once it expires.
	ListingWait time.Duration
}

// ChromeRenderer renders pages in one long-lived headless Chrome, one tab per page.
type ChromeRenderer struct {
	cfg BrowserConfig
	log zerolog.Logger

	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
}

// NewChromeRenderer creates a renderer. No browser is started until Open.
func NewChromeRenderer(cfg BrowserConfig, log zerolog.Logger) *ChromeRenderer {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.ListingWait <= 0 {
		cfg.ListingWait = 10 * time.Second
	}
	return &ChromeRenderer{cfg: cfg, log: log.With().Str("component", "browser").Logger()}
}

// Open launches the browser.
func (r *ChromeRenderer) Open(ctx context.Context) error {
	if r.browserCtx != nil {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
	)
	if r.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.cfg.UserAgent))
	}
	if bin := findChromeBinary(r.cfg.ChromeBin); bin != "" {
		r.log.Debug().Str("binary", bin).Msg("using browser binary")
		opts = append(opts, chromedp.ExecPath(bin))
	}

	// The allocator outlives ctx on purpose: it is torn down by Close.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	if err := chromedp.Run(browserCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return fmt.Errorf("starting browser: %w", err)
	}

	r.browserCtx, r.cancelAlloc, r.cancelTab = browserCtx, cancelAlloc, cancelTab
	return nil
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() error {
	if r.browserCtx == nil {
		return nil
	}
	r.cancelTab()
	r.cancelAlloc()
	r.browserCtx = nil
	return nil
}

// Render loads url in a fresh tab and returns the document HTML.
func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	if r.browserCtx == nil {
		return "", errors.New("browser not open")
	}

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, r.cfg.PageTimeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	if err := chromedp.Run(tabCtx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return "", err
	}

	waitCtx, cancelWait := context.WithTimeout(tabCtx, r.cfg.ListingWait)
	if err := chromedp.Run(waitCtx, chromedp.WaitVisible(selItem, chromedp.ByQuery)); err != nil {
		r.log.Debug().Str("url", url).Msg("no listing element before timeout")
	}
	cancelWait()

	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// findChromeBinary prefers the configured path, then CHROME_BIN, then well-known names.
func findChromeBinary(configured string) string {
	if configured != "" {
		return configured
	}
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}
	for _, name := range []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}
