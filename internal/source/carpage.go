package source

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const carSiteBase = "https://www.car.gr"

// Result page selectors.
const (
	selItem        = "div[index]"
	selTitle       = "h3"
	selLink        = "a.row-anchor"
	selPrice       = `span.lg\:tw-text-3xl span`
	selMileage     = `div[title="Χιλιόμετρα"] p`
	selImage       = "img"
	selDescription = "h3 + p"
	selPagination  = "nav a"
)

// ParseResultsPage extracts the raw listings of one search result page. Items without a
// title or link are skipped; other missing fields are left empty for Normalize to reject.
func ParseResultsPage(r io.Reader, capturedAt time.Time) ([]RawListing, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing results page: %w", err)
	}

	var listings []RawListing
	doc.Find(selItem).Each(func(_ int, item *goquery.Selection) {
		title := strings.Join(strings.Fields(item.Find(selTitle).First().Text()), " ")
		if title == "" {
			return
		}
		href, ok := item.Find(selLink).First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}

		brand, model, year := ParseTitle(title)
		raw := RawListing{
			SourceID:    SourceIDFromHref(href),
			Make:        brand,
			Model:       model,
			Year:        year,
			Price:       strings.TrimSpace(item.Find(selPrice).First().Text()),
			Mileage:     strings.TrimSpace(item.Find(selMileage).First().Text()),
			URL:         absoluteURL(href),
			Description: strings.TrimSpace(item.Find(selDescription).First().Text()),
			Timestamp:   capturedAt,
		}
		if src, ok := item.Find(selImage).First().Attr("src"); ok {
			raw.ImageURL = src
		}
		listings = append(listings, raw)
	})
	return listings, nil
}

// ParsePageCount returns the highest page number linked from the pagination bar, or 1.
func ParsePageCount(r io.Reader) (int, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return 0, fmt.Errorf("parsing pagination: %w", err)
	}

	pages := 1
	doc.Find(selPagination).Each(func(_ int, a *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(a.Text())); err == nil && n > pages {
			pages = n
		}
	})
	return pages, nil
}

// SourceIDFromHref takes the numeric id from a listing link such as
// "/classifieds/cars/view/40123456-toyota-yaris".
func SourceIDFromHref(href string) string {
	p := href
	if u, err := url.Parse(href); err == nil {
		p = u.Path
	}
	last := path.Base(strings.TrimRight(p, "/"))
	if last == "." || last == "/" {
		return ""
	}
	id, _, _ := strings.Cut(last, "-")
	return strings.TrimSpace(id)
}

func absoluteURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return carSiteBase + "/" + strings.TrimLeft(href, "/")
}
