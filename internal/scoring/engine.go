package scoring

import (
	"context"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/country"
	"github.com/enterprise/fraud-engine/internal/geo"
	"github.com/enterprise/fraud-engine/internal/models"
)

// Engine fans one transaction and its snapshot out across the rule set
// and consolidates the partials into a single score and alert set.
type Engine struct {
	resolver  country.Resolver
	blacklist *geo.VPNBlacklist
	workers   int
	rules     []Rule
}

// NewEngine creates a scoring engine. workers <= 0 sizes the rule pool to
// the number of CPUs.
func NewEngine(resolver country.Resolver, blacklist *geo.VPNBlacklist, workers int) *Engine {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	e := &Engine{
		resolver:  resolver,
		blacklist: blacklist,
		workers:   workers,
	}
	e.initializeRules()
	return e
}

// RuleCount returns the number of registered rules.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// Result is the consolidated outcome of one evaluation: the sum of all
// partial scores and the set of triggered alerts, deduplicated by tag.
// Alert ordering is not significant.
type Result struct {
	Score  int
	Alerts []models.AlertType
}

// HasAlert reports whether the given tag is present in the result.
func (r *Result) HasAlert(alert models.AlertType) bool {
	for _, a := range r.Alerts {
		if a == alert {
			return true
		}
	}
	return false
}

// Evaluate runs every rule against the transaction and snapshot in
// parallel and blocks until all partials are in. The snapshot is shared
// read-only across workers; no rule short-circuits the others, so the
// returned score is always the complete sum.
func (e *Engine) Evaluate(ctx context.Context, tx *models.Transaction, snap *Snapshot) *Result {
	jobs := make(chan Rule)
	partials := make(chan Partial, len(e.rules))

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rule := range jobs {
				partials <- e.runRule(ctx, rule, tx, snap)
			}
		}()
	}

	for _, rule := range e.rules {
		jobs <- rule
	}
	close(jobs)
	wg.Wait()
	close(partials)

	result := &Result{}
	seen := make(map[models.AlertType]bool, len(e.rules))
	for p := range partials {
		result.Score += p.Score
		for _, alert := range p.Alerts {
			if seen[alert] {
				continue
			}
			seen[alert] = true
			result.Alerts = append(result.Alerts, alert)
		}
	}
	return result
}

// runRule executes a single rule, converting a panic into the empty
// partial so that one failing rule never poisons the evaluation.
func (e *Engine) runRule(ctx context.Context, rule Rule, tx *models.Transaction, snap *Snapshot) (p Partial) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("rule_id", rule.ID).
				Str("transaction_id", tx.ID.String()).
				Interface("panic", r).
				Msg("Rule execution failed")
			p = Partial{}
		}
	}()
	return rule.Evaluate(ctx, tx, snap)
}
