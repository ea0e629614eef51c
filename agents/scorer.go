// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package agents

import (
	"sort"
	"strings"
)

// Weights controls the relative importance of each scoring criterion.
// They are multipliers over 0-100 sub-scores, so with the defaults a
// perfect candidate totals 100.
type Weights struct {
	RoleMatch    float64 `json:"role_match"`
	KeywordMatch float64 `json:"keyword_match"`
	Performance  float64 `json:"performance"`
	LoadBalance  float64 `json:"load_balance"`
	Availability float64 `json:"availability"`
	Experience   float64 `json:"experience"`
	ResponseTime float64 `json:"response_time"`
}

// DefaultWeights returns the standard criterion weights.
func DefaultWeights() Weights {
	return Weights{
		RoleMatch:    0.25,
		KeywordMatch: 0.20,
		Performance:  0.20,
		LoadBalance:  0.15,
		Availability: 0.10,
		Experience:   0.05,
		ResponseTime: 0.05,
	}
}

// Breakdown holds the per-criterion sub-scores (each 0-100, roleMatch up
// to 160 when name and capability tags both match) and the weighted total.
type Breakdown struct {
	RoleMatch    float64 `json:"role_match"`
	KeywordMatch float64 `json:"keyword_match"`
	Performance  float64 `json:"performance"`
	LoadBalance  float64 `json:"load_balance"`
	Availability float64 `json:"availability"`
	Experience   float64 `json:"experience"`
	ResponseTime float64 `json:"response_time"`
	Total        float64 `json:"total"`
}

// ScoredAgent pairs a candidate with its score breakdown.
type ScoredAgent struct {
	Agent     *Agent    `json:"-"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Breakdown Breakdown `json:"breakdown"`
}

// stopWords are filtered out of task descriptions before keyword matching.
// Tokens of length <= 2 are dropped separately, so short function words
// are not listed here.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "were": true,
	"will": true, "have": true, "has": true, "had": true, "been": true,
	"but": true, "not": true, "you": true, "your": true, "our": true,
	"their": true, "they": true, "them": true, "then": true, "than": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"how": true, "why": true, "all": true, "any": true, "each": true,
	"into": true, "about": true, "after": true, "before": true,
	"should": true, "could": true, "would": true, "can": true, "may": true,
	"some": true, "such": true, "very": true, "just": true, "also": true,
	"now": true, "please": true, "need": true, "needs": true, "using": true,
	"use": true,
}

// Scorer ranks candidate agents for a task across seven weighted criteria.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer with the default weights.
func NewScorer() *Scorer {
	return &Scorer{weights: DefaultWeights()}
}

// SetWeights overrides the criterion weights.
func (s *Scorer) SetWeights(w Weights) {
	s.weights = w
}

// Weights returns the current criterion weights.
func (s *Scorer) Weights() Weights {
	return s.weights
}

// Select returns the best candidate for the task, or nil when the
// candidate list is empty. Ties go to the earlier candidate.
func (s *Scorer) Select(description, role string, candidates []*Agent) *Agent {
	ranked := s.Rank(description, role, candidates)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0].Agent
}

// Rank scores every candidate and returns them ordered best-first.
// The sort is stable: equal totals keep candidate-list order.
func (s *Scorer) Rank(description, role string, candidates []*Agent) []ScoredAgent {
	if len(candidates) == 0 {
		return nil
	}

	roleToken := strings.ToLower(strings.TrimSpace(role))
	keywords := extractKeywords(description)

	// Normalization baselines are relative to this candidate set.
	snapshots := make([]Info, len(candidates))
	maxLoad, maxTasks := 0, 0
	var maxAvg float64
	for i, a := range candidates {
		snapshots[i] = a.Info()
		if snapshots[i].CurrentLoad > maxLoad {
			maxLoad = snapshots[i].CurrentLoad
		}
		if snapshots[i].Metrics.TasksCompleted > maxTasks {
			maxTasks = snapshots[i].Metrics.TasksCompleted
		}
		if avg := snapshots[i].Metrics.AverageExecutionTime.Seconds(); avg > maxAvg {
			maxAvg = avg
		}
	}

	scored := make([]ScoredAgent, len(candidates))
	for i, a := range candidates {
		b := s.score(snapshots[i], roleToken, keywords, maxLoad, maxTasks, maxAvg)
		scored[i] = ScoredAgent{
			Agent:     a,
			AgentID:   snapshots[i].ID,
			Name:      snapshots[i].Name,
			Breakdown: b,
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Breakdown.Total > scored[j].Breakdown.Total
	})
	return scored
}

func (s *Scorer) score(info Info, roleToken string, keywords []string, maxLoad, maxTasks int, maxAvg float64) Breakdown {
	var b Breakdown

	name := strings.ToLower(info.Name)
	desc := strings.ToLower(info.Description)
	haystack := name + " " + desc + " " + strings.ToLower(strings.Join(info.Capabilities, " "))

	// roleMatch: name beats description, a matching capability tag adds on top
	if roleToken != "" {
		if strings.Contains(name, roleToken) {
			b.RoleMatch = 100
		} else if strings.Contains(desc, roleToken) {
			b.RoleMatch = 80
		}
		for _, capability := range info.Capabilities {
			if strings.Contains(strings.ToLower(capability), roleToken) {
				b.RoleMatch += 60
				break
			}
		}
	}

	// keywordMatch: fraction of task keywords present in the candidate's text
	if len(keywords) > 0 {
		matched := 0
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				matched++
			}
		}
		b.KeywordMatch = float64(matched) / float64(len(keywords)) * 100
	}

	b.Performance = info.Metrics.SuccessRate * 100

	if maxLoad == 0 {
		b.LoadBalance = 100
	} else {
		b.LoadBalance = float64(maxLoad-info.CurrentLoad) / float64(maxLoad) * 100
	}

	switch info.Status {
	case StatusIdle:
		b.Availability = 100
	case StatusWorking:
		b.Availability = 50
	case StatusBusy:
		b.Availability = 20
	}

	if maxTasks > 0 {
		b.Experience = float64(info.Metrics.TasksCompleted) / float64(maxTasks) * 100
	}

	avg := info.Metrics.AverageExecutionTime.Seconds()
	switch {
	case maxAvg == 0 || avg == 0:
		// no timing samples yet
		b.ResponseTime = 100
	default:
		b.ResponseTime = (maxAvg - avg) / maxAvg * 100
	}

	b.Total = b.RoleMatch*s.weights.RoleMatch +
		b.KeywordMatch*s.weights.KeywordMatch +
		b.Performance*s.weights.Performance +
		b.LoadBalance*s.weights.LoadBalance +
		b.Availability*s.weights.Availability +
		b.Experience*s.weights.Experience +
		b.ResponseTime*s.weights.ResponseTime
	return b
}

// extractKeywords lowercases the description, splits it on non-alphanumeric
// runes, and returns the deduplicated tokens longer than two characters that
// are not stop words.
func extractKeywords(description string) []string {
	fields := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})

	seen := make(map[string]bool, len(fields))
	keywords := make([]string, 0, len(fields))
	for _, tok := range fields {
		if len(tok) <= 2 || stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		keywords = append(keywords, tok)
	}
	return keywords
}
