package server

import (
	"html/template"
	"net/http"
	"time"

	"github.com/TobiSchelling/carwatch/internal/database"
	"github.com/TobiSchelling/carwatch/internal/notify"
	"github.com/TobiSchelling/carwatch/internal/score"
)

type modelRow struct {
	Name  string
	Make  string
	Stats *database.ModelStats
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		s.serverError(w, err, "Failed to load stats")
		return
	}

	rows := make([]modelRow, 0, len(s.cfg.Models))
	for _, m := range s.cfg.Models {
		ms, err := s.db.GetModelStats(m.Name)
		if err != nil {
			s.serverError(w, err, "Failed to load model stats")
			return
		}
		rows = append(rows, modelRow{Name: m.Name, Make: m.Make, Stats: ms})
	}

	s.render(w, "index.html", map[string]any{
		"Stats":  stats,
		"Models": rows,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.GetRecentRuns(20)
	if err != nil {
		s.serverError(w, err, "Failed to load runs")
		return
	}
	s.render(w, "runs.html", map[string]any{"Runs": runs})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.modelFromURL(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	deals, stats, err := s.assessHighlights(m.Name)
	if err != nil {
		s.serverError(w, err, "Failed to assess highlights")
		return
	}
	ms, err := s.db.GetModelStats(m.Name)
	if err != nil {
		s.serverError(w, err, "Failed to load model stats")
		return
	}

	s.render(w, "model.html", map[string]any{
		"Model":      m,
		"ModelStats": ms,
		"Statistics": stats,
		"Deals":      deals,
	})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	m, ok := s.modelFromURL(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	deals, _, err := s.assessHighlights(m.Name)
	if err != nil {
		s.serverError(w, err, "Failed to assess highlights")
		return
	}

	d := notify.Digest{Model: m.Name, Deals: score.HighProfitBatch(deals), GeneratedAt: s.now()}
	body, err := notify.RenderHTML(d.Markdown())
	if err != nil {
		s.serverError(w, err, "Failed to render digest")
		return
	}

	s.render(w, "digest.html", map[string]any{
		"Model":   m,
		"Subject": d.Subject(s.cfg.Notify.SubjectPrefix),
		"Count":   len(d.Deals),
		"Body":    template.HTML(body), //nolint: gosec
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		s.serverError(w, err, "Failed to load stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type dealJSON struct {
	SourceID            string    `json:"source_id"`
	Make                string    `json:"make"`
	Model               string    `json:"model"`
	Year                int       `json:"year"`
	Mileage             int       `json:"mileage"`
	Price               float64   `json:"price"`
	URL                 string    `json:"url,omitempty"`
	ImageURL            string    `json:"image_url,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	MileageBin          string    `json:"mileage_bin,omitempty"`
	P25Price            float64   `json:"p25_price,omitempty"`
	MedianPrice         float64   `json:"median_price,omitempty"`
	QuartileClass       int       `json:"quartile_class"`
	DiscountVsP25       float64   `json:"discount_vs_p25"`
	ProfitMarginPercent float64   `json:"profit_margin_percent"`
	PriorityScore       int       `json:"priority_score"`
	HighProfit          bool      `json:"high_profit"`
	EmailSent           bool      `json:"email_sent"`
}

func (s *Server) handleDealsJSON(w http.ResponseWriter, r *http.Request) {
	m, ok := s.modelFromURL(r)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown model"})
		return
	}

	deals, _, err := s.assessHighlights(m.Name)
	if err != nil {
		s.serverError(w, err, "Failed to assess highlights")
		return
	}

	out := make([]dealJSON, 0, len(deals))
	for _, a := range deals {
		l := a.Listing
		d := dealJSON{
			SourceID:            l.SourceID,
			Make:                l.Make,
			Model:               l.Model,
			Year:                l.Year,
			Mileage:             l.Mileage,
			Price:               l.Price,
			URL:                 l.URL,
			ImageURL:            l.ImageURL,
			Timestamp:           l.Timestamp,
			QuartileClass:       a.QuartileClass,
			DiscountVsP25:       a.DiscountVsP25,
			ProfitMarginPercent: a.ProfitMarginPercent,
			PriorityScore:       a.PriorityScore,
			HighProfit:          a.HighProfit,
			EmailSent:           l.EmailSent,
		}
		if a.Statistic != nil {
			d.MileageBin = a.Statistic.MileageBin
			d.P25Price = a.Statistic.P25Price
			d.MedianPrice = a.Statistic.MedianPrice
		}
		out = append(out, d)
	}
	s.writeJSON(w, http.StatusOK, out)
}

type statJSON struct {
	Year        int       `json:"year"`
	MileageBin  string    `json:"mileage_bin"`
	MedianPrice float64   `json:"median_price"`
	P25Price    float64   `json:"p25_price"`
	P75Price    float64   `json:"p75_price"`
	MinPrice    float64   `json:"min_price"`
	MaxPrice    float64   `json:"max_price"`
	MeanPrice   float64   `json:"mean_price"`
	Count       int       `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

func (s *Server) handleStatsJSON(w http.ResponseWriter, r *http.Request) {
	m, ok := s.modelFromURL(r)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown model"})
		return
	}

	stats, err := s.db.StatisticsByModel(m.Name)
	if err != nil {
		s.serverError(w, err, "Failed to load statistics")
		return
	}
	out := make([]statJSON, 0, len(stats))
	for _, st := range stats {
		out = append(out, statJSON{
			Year: st.Year, MileageBin: st.MileageBin,
			MedianPrice: st.MedianPrice, P25Price: st.P25Price, P75Price: st.P75Price,
			MinPrice: st.MinPrice, MaxPrice: st.MaxPrice, MeanPrice: st.MeanPrice,
			Count: st.Count, LastUpdated: st.LastUpdated,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}
