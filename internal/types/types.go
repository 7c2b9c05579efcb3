package types

import (
	"strings"
	"time"
)

// Risk is the coarse severity attached to every document.
type Risk string

const (
	RiskCritical      Risk = "critical"
	RiskHigh          Risk = "high"
	RiskMedium        Risk = "medium"
	RiskLow           Risk = "low"
	RiskInformational Risk = "informational"
)

// Risks lists every valid risk level, most severe first.
var Risks = []Risk{RiskCritical, RiskHigh, RiskMedium, RiskLow, RiskInformational}

// ParseRisk reports whether s names a valid risk level.
func ParseRisk(s string) (Risk, bool) {
	r := Risk(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Risks {
		if v == r {
			return r, true
		}
	}
	return "", false
}

// Document is a normalized security-news item as indexed and served.
type Document struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	SourceID    string         `json:"source_id"`
	SourceName  string         `json:"source_name"`
	URL         *string        `json:"url"`
	Risk        Risk           `json:"risk"`
	Tags        []string       `json:"tags"`
	PublishedAt time.Time      `json:"published_at"`
	FetchedAt   time.Time      `json:"fetched_at"`
	Metadata    map[string]any `json:"metadata"`
}
