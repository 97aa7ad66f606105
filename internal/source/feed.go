package source

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/TobiSchelling/carwatch/internal/config"
)

var (
	feedPriceRe   = regexp.MustCompile(`(\d[\d.,]*)\s*€|€\s*(\d[\d.,]*)`)
	feedMileageRe = regexp.MustCompile(`(?i)(\d[\d.,]*)\s*km`)
)

// FeedSource reads a saved-search RSS or Atom feed per model. A feed is a single page.
type FeedSource struct {
	parser *gofeed.Parser
	log    zerolog.Logger
	now    func() time.Time
}

// NewFeedSource creates a feed-backed listing source.
func NewFeedSource(log zerolog.Logger) *FeedSource {
	return &FeedSource{
		log: log.With().Str("component", "feed").Logger(),
		now: time.Now,
	}
}

func (s *FeedSource) Open(context.Context) error {
	s.parser = gofeed.NewParser()
	return nil
}

func (s *FeedSource) Close() error {
	s.parser = nil
	return nil
}

func (s *FeedSource) TotalPages(context.Context, config.Model) (int, error) {
	return 1, nil
}

// FetchPage parses the model's feed. Pages beyond the first are empty.
func (s *FeedSource) FetchPage(ctx context.Context, m config.Model, page int) ([]RawListing, error) {
	if s.parser == nil {
		return nil, fmt.Errorf("feed source not open")
	}
	if page != 1 {
		return nil, nil
	}
	if m.FeedURL == "" {
		return nil, fmt.Errorf("model %s has no feed_url", m.Name)
	}

	feed, err := s.parser.ParseURLWithContext(m.FeedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", m.FeedURL, err)
	}

	listings := make([]RawListing, 0, len(feed.Items))
	for _, item := range feed.Items {
		raw, ok := parseFeedItem(item, s.now().UTC())
		if !ok {
			s.log.Debug().Str("model", m.Name).Str("title", item.Title).Msg("skipping feed item without link")
			continue
		}
		listings = append(listings, raw)
	}
	s.log.Debug().Str("model", m.Name).Int("items", len(listings)).Msg("parsed feed")
	return listings, nil
}

func parseFeedItem(item *gofeed.Item, now time.Time) (RawListing, bool) {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	if link == "" {
		return RawListing{}, false
	}

	text := item.Description
	if item.Content != "" {
		text = item.Content
	}
	text = htmlText(text)
	haystack := item.Title + " " + text

	brand, model, year := ParseTitle(item.Title)
	raw := RawListing{
		SourceID:    SourceIDFromHref(link),
		Make:        brand,
		Model:       model,
		Year:        year,
		Price:       firstMatch(feedPriceRe, haystack),
		Mileage:     firstMatch(feedMileageRe, haystack),
		URL:         link,
		Description: text,
		Timestamp:   now,
	}
	if item.PublishedParsed != nil {
		raw.Timestamp = item.PublishedParsed.UTC()
	}
	if item.Image != nil {
		raw.ImageURL = item.Image.URL
	} else {
		for _, enc := range item.Enclosures {
			if strings.HasPrefix(enc.Type, "image/") {
				raw.ImageURL = enc.URL
				break
			}
		}
	}
	return raw, true
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

func htmlText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
