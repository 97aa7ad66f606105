package notify

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/carwatch/internal/score"
)

// Digest is one model's batch of high-profit deals.
type Digest struct {
	Model       string
	Deals       []score.DealAssessment
	GeneratedAt time.Time
}

// Subject returns the mail subject line.
func (d Digest) Subject(prefix string) string {
	noun := "deals"
	if len(d.Deals) == 1 {
		noun = "deal"
	}
	s := fmt.Sprintf("%d high-profit %s for %s", len(d.Deals), noun, d.Model)
	if prefix != "" {
		s = prefix + " " + s
	}
	return s
}

// Markdown renders the digest as a markdown document, one section per deal.
func (d Digest) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s deals\n\n", d.Model)
	fmt.Fprintf(&b, "%d listings priced well below the 25th percentile of comparable cars, found %s.\n\n",
		len(d.Deals), d.GeneratedAt.Format("2 Jan 2006 15:04"))

	for i, a := range d.Deals {
		l := a.Listing
		title := strings.TrimSpace(fmt.Sprintf("%s %s %d", l.Make, l.Model, l.Year))
		if l.URL != "" {
			fmt.Fprintf(&b, "## %d. [%s](%s)\n\n", i+1, title, l.URL)
		} else {
			fmt.Fprintf(&b, "## %d. %s\n\n", i+1, title)
		}
		if l.ImageURL != "" {
			fmt.Fprintf(&b, "![%s](%s)\n\n", title, l.ImageURL)
		}

		b.WriteString("| | |\n|---|---|\n")
		fmt.Fprintf(&b, "| Price | %s |\n", FormatEuro(l.Price))
		fmt.Fprintf(&b, "| Mileage | %s km |\n", formatThousands(int64(l.Mileage)))
		if a.Statistic != nil {
			fmt.Fprintf(&b, "| Market p25 / median | %s / %s |\n",
				FormatEuro(a.Statistic.P25Price), FormatEuro(a.Statistic.MedianPrice))
			fmt.Fprintf(&b, "| Bucket | %d, %s km (%d cars) |\n",
				a.Statistic.Year, a.Statistic.MileageBin, a.Statistic.Count)
		}
		fmt.Fprintf(&b, "| Below p25 | %s (%.1f%%) |\n", FormatEuro(a.DiscountVsP25), a.ProfitMarginPercent)
		fmt.Fprintf(&b, "| Priority | %d/10, %s |\n\n", a.PriorityScore, score.ClassLabel(a.QuartileClass))

		if l.Description != "" {
			fmt.Fprintf(&b, "> %s\n\n", strings.ReplaceAll(l.Description, "\n", " "))
		}
	}
	return b.String()
}

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// RenderHTML converts digest markdown to an HTML fragment.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("rendering digest: %w", err)
	}
	return buf.String(), nil
}

// FormatEuro formats an amount like "12.500 €".
func FormatEuro(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + formatThousands(int64(v+0.5)) + " €"
}

func formatThousands(n int64) string {
	s := fmt.Sprint(n)
	if n < 0 {
		return "-" + formatThousands(-n)
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, '.')
		}
		out = append(out, s[i])
	}
	return string(out)
}
