// Package handoff scores phase handoff payloads.
package handoff

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"gateline/internal/config"
	"gateline/internal/domain"
)

const (
	structuralWeight  = 40
	placeholderWeight = 30
	lengthWeight      = 30
)

// Criteria controls scoring for one directive type.
type Criteria struct {
	Threshold    int
	Strict       bool
	MinLength    map[string]int
	Placeholders []*regexp.Regexp
}

// Result is the outcome of scoring a payload.
type Result struct {
	Score        int      `json:"score"`
	Accepted     bool     `json:"accepted"`
	Reasons      []string `json:"reasons,omitempty"`
	Missing      []string `json:"missing,omitempty"`
	Placeholders []string `json:"placeholders,omitempty"`
	Short        []string `json:"short,omitempty"`
}

// CriteriaFor builds scoring criteria from the workspace config.
func CriteriaFor(cfg *config.Config, directiveType string) (Criteria, error) {
	c := Criteria{
		Threshold: cfg.ThresholdFor(directiveType),
		Strict:    cfg.Strict(directiveType),
		MinLength: map[string]int{},
	}
	for _, s := range (domain.HandoffPayload{}).Sections() {
		c.MinLength[s.Key] = cfg.MinLengthFor(s.Key)
	}
	for _, p := range cfg.Handoff.PlaceholderPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return Criteria{}, fmt.Errorf("placeholder pattern %q: %w", p, err)
		}
		c.Placeholders = append(c.Placeholders, re)
	}
	return c, nil
}

// Empty reports whether no section carries any text.
func Empty(p domain.HandoffPayload) bool {
	for _, s := range p.Sections() {
		if strings.TrimSpace(s.Text) != "" {
			return false
		}
	}
	return true
}

// Score grades the payload: structural completeness, absence of placeholder
// content and minimum section length, weighted 40/30/30. A payload missing any
// section is rejected regardless of its score.
func Score(p domain.HandoffPayload, c Criteria) Result {
	var res Result
	sections := p.Sections()
	total := float64(len(sections))
	present, clean, long := 0, 0, 0
	for _, s := range sections {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			res.Missing = append(res.Missing, s.Key)
			res.Reasons = append(res.Reasons, "missing section: "+s.Key)
			continue
		}
		present++
		if matchesAny(c.Placeholders, text) {
			res.Placeholders = append(res.Placeholders, s.Key)
			res.Reasons = append(res.Reasons, "placeholder content in section: "+s.Key)
		} else {
			clean++
		}
		n := utf8.RuneCountInString(text)
		if want := c.MinLength[s.Key]; n < want {
			res.Short = append(res.Short, s.Key)
			res.Reasons = append(res.Reasons, fmt.Sprintf("section too short: %s (%d < %d chars)", s.Key, n, want))
		} else {
			long++
		}
	}
	score := structuralWeight*float64(present)/total +
		placeholderWeight*float64(clean)/total +
		lengthWeight*float64(long)/total
	res.Score = int(math.Round(score))
	res.Accepted = res.Score >= c.Threshold
	if res.Score < c.Threshold {
		res.Reasons = append(res.Reasons, fmt.Sprintf("score %d below threshold %d", res.Score, c.Threshold))
	}
	if len(res.Missing) > 0 {
		res.Accepted = false
		res.Reasons = append(res.Reasons, fmt.Sprintf("all %d sections are required", len(sections)))
	}
	if c.Strict && len(res.Placeholders) > 0 {
		res.Accepted = false
		res.Reasons = append(res.Reasons, "placeholder content is not allowed for this directive type")
	}
	return res
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
