// Package engine evaluates filter sets against a population and tallies the
// matching subjects per modality.
//
// Filters are independent of each other: each yields its own Result and a
// subject only has to satisfy the filter of that modality. Within a filter,
// thresholds are ANDed per timepoint and timepoints are ORed.
package engine

import (
	"context"
	"runtime"

	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
	"golang.org/x/sync/errgroup"
)

const defaultChunkSize = 512

// Result is the outcome of one filter.
type Result struct {
	Modality models.Modality
	// Subjects keeps the population's relative order.
	Subjects []*models.Subject
	Counts   models.Tally
}

func (r Result) IDs() []string {
	ids := make([]string, 0, len(r.Subjects))
	for _, s := range r.Subjects {
		ids = append(ids, s.ID)
	}
	return ids
}

// Results maps modality to Result. Order follows the filter set and only
// lists filters that evaluated.
type Results struct {
	Order      []models.Modality
	ByModality map[models.Modality]Result
}

func (r Results) Get(m models.Modality) (Result, bool) {
	res, ok := r.ByModality[m]
	return res, ok
}

func (r Results) Len() int {
	return len(r.Order)
}

// Intersection returns the subjects that matched every evaluated filter, in
// population order. Evaluation itself never intersects; callers opt in.
func (r Results) Intersection() Result {
	out := Result{Subjects: []*models.Subject{}}
	if len(r.Order) == 0 {
		return out
	}
	hits := make(map[*models.Subject]int)
	for _, m := range r.Order {
		for _, s := range r.ByModality[m].Subjects {
			hits[s]++
		}
	}
	for _, s := range r.ByModality[r.Order[0]].Subjects {
		if hits[s] == len(r.Order) {
			out.Subjects = append(out.Subjects, s)
			out.Counts.Add(s)
		}
	}
	return out
}

type Engine struct {
	vocab     *filter.Vocabulary
	workers   int
	chunkSize int
}

type Option func(*Engine)

// WithWorkers bounds the number of goroutines evaluating at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithChunkSize sets how many subjects one task evaluates.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

func New(vocab *filter.Vocabulary, opts ...Option) *Engine {
	if vocab == nil {
		vocab = filter.DefaultVocabulary()
	}
	e := &Engine{
		vocab:     vocab,
		workers:   runtime.GOMAXPROCS(0),
		chunkSize: defaultChunkSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type job struct {
	filter  filter.Filter
	matches []bool
}

// Evaluate runs every filter of the set against the population. Inputs are
// never modified. Structurally broken filters are reported in an
// *EvaluationError next to the Results of the healthy ones. A cancelled
// context yields no Results at all.
func (e *Engine) Evaluate(ctx context.Context, set filter.FilterSet, population []models.Subject) (Results, error) {
	jobs, failures := e.plan(set, len(population))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, j := range jobs {
		j := j
		for start := 0; start < len(population); start += e.chunkSize {
			start := start
			end := start + e.chunkSize
			if end > len(population) {
				end = len(population)
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				for i := start; i < end; i++ {
					j.matches[i] = e.Match(j.filter, &population[i])
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return Results{}, err
	}
	if err := ctx.Err(); err != nil {
		return Results{}, err
	}

	results := Results{
		Order:      make([]models.Modality, 0, len(jobs)),
		ByModality: make(map[models.Modality]Result, len(jobs)),
	}
	for _, j := range jobs {
		res := Result{Modality: j.filter.Modality, Subjects: []*models.Subject{}}
		for i, ok := range j.matches {
			if ok {
				res.Subjects = append(res.Subjects, &population[i])
				res.Counts.Add(&population[i])
			}
		}
		results.Order = append(results.Order, res.Modality)
		results.ByModality[res.Modality] = res
	}

	if len(failures) > 0 {
		return results, &EvaluationError{Failures: failures}
	}
	return results, nil
}

// plan splits the set into evaluable jobs and structural failures.
func (e *Engine) plan(set filter.FilterSet, size int) ([]*job, []*FilterError) {
	var (
		jobs     []*job
		failures []*FilterError
		seen     = make(map[models.Modality]bool, len(set))
	)
	for i, f := range set {
		if err := e.check(i, f); err != nil {
			failures = append(failures, err)
			continue
		}
		if seen[f.Modality] {
			failures = append(failures, &FilterError{FilterIndex: i, Modality: f.Modality, ThresholdIndex: -1, Err: ErrDuplicateModality})
			continue
		}
		seen[f.Modality] = true
		jobs = append(jobs, &job{filter: f, matches: make([]bool, size)})
	}
	return jobs, failures
}

func (e *Engine) check(i int, f filter.Filter) *FilterError {
	if !e.vocab.Has(f.Modality) {
		return &FilterError{FilterIndex: i, Modality: f.Modality, ThresholdIndex: -1, Err: ErrUnknownModality}
	}
	if f.LogicParameter == nil {
		return nil
	}
	for j, t := range f.LogicParameter.Thresholds {
		if !t.IsSet() {
			continue
		}
		if !t.Operator.Valid() {
			return &FilterError{FilterIndex: i, Modality: f.Modality, ThresholdIndex: j, Err: ErrUnknownOperator}
		}
		if t.Operator == filter.OpBetween && !t.HasUpper() {
			return &FilterError{FilterIndex: i, Modality: f.Modality, ThresholdIndex: j, Err: ErrBetweenMissingUpper}
		}
	}
	return nil
}

// Match reports whether a subject satisfies a single filter.
func (e *Engine) Match(f filter.Filter, s *models.Subject) bool {
	timeline, ok := s.Timeline(f.Modality)
	if !ok {
		return false
	}
	lp := f.LogicParameter
	if lp == nil {
		return true
	}
	if !lp.AllowsCohort(s.Cohort()) {
		return false
	}
	if len(lp.Thresholds) == 0 {
		return true
	}
	for _, tp := range examined(lp, timeline) {
		rec, ok := timeline.At(tp)
		if !ok {
			continue
		}
		if e.passes(f.Modality, lp, rec) {
			return true
		}
	}
	return false
}

// examined lists the timepoints a parameter looks at for one subject.
func examined(lp *filter.LogicParameter, timeline models.Timeline) []int {
	if lp.AllTimepoints() {
		return timeline.Points()
	}
	out := make([]int, 0, len(lp.Timepoints))
	for _, tp := range lp.Timepoints {
		out = append(out, int(tp))
	}
	return out
}

// passes ANDs every set threshold against one timepoint's record.
func (e *Engine) passes(m models.Modality, lp *filter.LogicParameter, rec models.Record) bool {
	for _, t := range lp.Thresholds {
		if !t.IsSet() {
			continue
		}
		if !e.selectable(m, lp, t.Variable) {
			return false
		}
		x, ok := rec[t.Variable]
		if !ok || !Compare(t, x) {
			return false
		}
	}
	return true
}

// selectable reports whether a threshold's variable belongs to the modality
// and, when the parameter narrows variables, to that selection.
func (e *Engine) selectable(m models.Modality, lp *filter.LogicParameter, variable string) bool {
	if _, ok := e.vocab.Field(m, variable); !ok {
		return false
	}
	return len(lp.Variables) == 0 || lp.HasVariable(variable)
}
