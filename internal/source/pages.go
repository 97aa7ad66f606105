package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/carwatch/internal/config"
)

// Renderer returns the final HTML of a page after scripts have run.
type Renderer interface {
	Open(ctx context.Context) error
	Close() error
	Render(ctx context.Context, url string) (string, error)
}

// PageSource walks a model's paginated search results through a Renderer.
type PageSource struct {
	renderer Renderer
	limiter  *rate.Limiter
	log      zerolog.Logger
	now      func() time.Time

	// The pagination probe renders page 1; keep it for the first FetchPage.
	cachedURL  string
	cachedHTML string
}

// NewPageSource creates a source that loads at most perSecond pages per second.
func NewPageSource(renderer Renderer, perSecond float64, log zerolog.Logger) *PageSource {
	return &PageSource{
		renderer: renderer,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		log:      log.With().Str("component", "source").Logger(),
		now:      time.Now,
	}
}

func (s *PageSource) Open(ctx context.Context) error {
	return s.renderer.Open(ctx)
}

func (s *PageSource) Close() error {
	s.cachedURL, s.cachedHTML = "", ""
	return s.renderer.Close()
}

// TotalPages reads the pagination bar of the first result page.
func (s *PageSource) TotalPages(ctx context.Context, m config.Model) (int, error) {
	html, err := s.render(ctx, m.PageURL(1))
	if err != nil {
		return 0, err
	}
	pages, err := ParsePageCount(strings.NewReader(html))
	if err != nil {
		return 0, err
	}
	s.cachedURL, s.cachedHTML = m.PageURL(1), html
	return pages, nil
}

// FetchPage returns the raw listings of a 1-based result page.
func (s *PageSource) FetchPage(ctx context.Context, m config.Model, page int) ([]RawListing, error) {
	pageURL := m.PageURL(page)

	var html string
	if pageURL == s.cachedURL {
		html = s.cachedHTML
		s.cachedURL, s.cachedHTML = "", ""
	} else {
		var err error
		if html, err = s.render(ctx, pageURL); err != nil {
			return nil, err
		}
	}

	listings, err := ParseResultsPage(strings.NewReader(html), s.now().UTC())
	if err != nil {
		return nil, err
	}
	if len(listings) == 0 {
		s.log.Warn().Str("model", m.Name).Int("page", page).Msg("no listings on page")
	}
	return listings, nil
}

func (s *PageSource) render(ctx context.Context, pageURL string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	s.log.Debug().Str("url", pageURL).Msg("loading page")
	html, err := s.renderer.Render(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", pageURL, err)
	}
	return html, nil
}
