// Package search filters task and process collections.
package search

import (
	"strings"
	"time"

	"github.com/songzhibin97/process-map/analytics"
	"github.com/songzhibin97/process-map/rules"
	"github.com/songzhibin97/process-map/types"
)

// Filter is a conjunction of optional predicates. Zero values match everything.
type Filter struct {
	Query      string
	Priority   types.Priority
	Category   string
	Department string
	Status     types.Classification
	Tags       []string
	// Where is an optional boolean expression over the fields returned by Env.
	Where string
}

// Empty reports whether the filter has no active predicate.
func (f Filter) Empty() bool {
	return strings.TrimSpace(f.Query) == "" && f.Priority == "" && f.Category == "" &&
		f.Department == "" && f.Status == "" && len(f.Tags) == 0 && strings.TrimSpace(f.Where) == ""
}

// Searcher applies filters, evaluating Where through an Evaluator.
type Searcher struct {
	evaluator rules.Evaluator
	now       func() time.Time
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithEvaluator replaces the expression evaluator.
func WithEvaluator(e rules.Evaluator) Option {
	return func(s *Searcher) {
		if e != nil {
			s.evaluator = e
		}
	}
}

// WithClock sets the time source used for overdue classification.
func WithClock(now func() time.Time) Option {
	return func(s *Searcher) {
		s.now = now
	}
}

// NewSearcher creates a Searcher backed by an ExprEvaluator.
func NewSearcher(opts ...Option) *Searcher {
	s := &Searcher{evaluator: rules.NewExprEvaluator(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MatchesQuery reports a case-insensitive substring match of q against the
// item's name, description or any tag. A blank query matches.
func MatchesQuery(it types.Item, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	u := it.Base()
	if strings.Contains(strings.ToLower(it.DisplayName()), q) ||
		strings.Contains(strings.ToLower(u.Description), q) {
		return true
	}
	for _, tag := range u.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

func hasAllTags(u *types.Unit, tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range u.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Match evaluates every predicate of f against it.
func (s *Searcher) Match(it types.Item, f Filter) (bool, error) {
	u := it.Base()
	now := s.now()
	switch {
	case !MatchesQuery(it, f.Query):
		return false, nil
	case f.Priority != "" && u.Priority != f.Priority:
		return false, nil
	case f.Category != "" && u.Category != f.Category:
		return false, nil
	case f.Department != "" && it.Dept() != f.Department:
		return false, nil
	case f.Status != "" && analytics.Classify(u, now) != f.Status:
		return false, nil
	case !hasAllTags(u, f.Tags):
		return false, nil
	}
	if strings.TrimSpace(f.Where) == "" {
		return true, nil
	}
	return s.evaluator.Evaluate(f.Where, Env(it, now))
}

// Apply returns the items matching f in their original order.
func Apply[T types.Item](s *Searcher, items []T, f Filter) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, it := range items {
		ok, err := s.Match(it, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// Env exposes an item's fields to Where expressions. Every key is always
// present with a fixed type so compiled expressions can be reused.
func Env(it types.Item, now time.Time) map[string]interface{} {
	u := it.Base()
	due := time.Time{}
	if u.DueDate != nil {
		due = *u.DueDate
	}
	tags := u.Tags
	if tags == nil {
		tags = []string{}
	}
	completed := 0
	for _, st := range u.Workflow {
		if st.Completed {
			completed++
		}
	}
	return map[string]interface{}{
		"id":             u.ID,
		"title":          it.DisplayName(),
		"description":    u.Description,
		"priority":       string(u.Priority),
		"category":       u.Category,
		"department":     it.Dept(),
		"tags":           tags,
		"progress":       analytics.Progress(u),
		"status":         string(analytics.Classify(u, now)),
		"completed":      u.CompletedAt != nil,
		"overdue":        analytics.IsOverdue(u, now),
		"steps":          len(u.Workflow),
		"completedSteps": completed,
		"hasDueDate":     u.DueDate != nil,
		"dueDate":        due,
		"createdAt":      u.CreatedAt,
		"now":            now,
	}
}
