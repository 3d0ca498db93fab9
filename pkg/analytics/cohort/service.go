package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/dsl"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/engine"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
	"github.com/synaptica-ai/cohortfilter/pkg/common/logger"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
	"github.com/synaptica-ai/cohortfilter/pkg/observability/metrics"
)

const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"

	EventCohortEvaluated = "cohort.evaluated"
	eventSource          = "cohort-service"
)

var (
	ErrInvalidExpression = errors.New("invalid filter expression")
	ErrAmbiguousRequest  = errors.New("give either filters or expression, not both")
	ErrUnknownModality   = errors.New("unknown modality")
	ErrUnknownCohort     = errors.New("unknown cohort")
)

// QueryRequest carries a filter set either as structured filters or as a
// text expression.
type QueryRequest struct {
	Filters         filter.FilterSet `json:"filters"`
	Expression      string           `json:"expression,omitempty"`
	IncludeSubjects bool             `json:"includeSubjects"`
	Intersect       bool             `json:"intersect"`
	Strict          bool             `json:"strict"`
}

// Population hands out the current subjects and their version.
type Population interface {
	Current(ctx context.Context) ([]models.Subject, int64, error)
}

// Publisher emits domain events; *kafka.Producer satisfies it.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type Service struct {
	engine     *engine.Engine
	vocab      *filter.Vocabulary
	population Population
	cache      Cache
	cacheTTL   time.Duration
	publisher  Publisher
	templates  TemplateStore
}

type Option func(*Service)

func WithCache(cache Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithTemplates(store TemplateStore) Option {
	return func(s *Service) {
		s.templates = store
	}
}

func NewService(eng *engine.Engine, vocab *filter.Vocabulary, population Population, opts ...Option) *Service {
	if vocab == nil {
		vocab = filter.DefaultVocabulary()
	}
	if eng == nil {
		eng = engine.New(vocab)
	}
	svc := &Service{engine: eng, vocab: vocab, population: population}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Resolve returns the request's filter set, parsing the expression if one
// was given.
func (s *Service) Resolve(req QueryRequest) (filter.FilterSet, error) {
	if req.Expression == "" {
		return req.Filters, nil
	}
	if len(req.Filters) > 0 {
		return nil, ErrAmbiguousRequest
	}
	set, err := dsl.Parse(req.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return set, nil
}

// Validate checks a filter set against the vocabulary.
func (s *Service) Validate(set filter.FilterSet) error {
	return filter.Validate(set, s.vocab)
}

// Execute evaluates a query against the current population. Validation
// problems are returned as warnings unless the request is strict. Filters
// the engine cannot evaluate get a per-modality error and the rest of the
// response is still filled in.
func (s *Service) Execute(ctx context.Context, req QueryRequest) (models.QueryResponse, error) {
	start := time.Now()
	resp, err := s.execute(ctx, req)
	status := resp.Status
	if err != nil {
		status = "error"
	}
	metrics.ObserveQuery(status, time.Since(start))
	if err != nil {
		return models.QueryResponse{}, err
	}
	resp.QueryTime = time.Since(start)
	return resp, nil
}

func (s *Service) execute(ctx context.Context, req QueryRequest) (models.QueryResponse, error) {
	set, err := s.Resolve(req)
	if err != nil {
		return models.QueryResponse{}, err
	}

	var warnings []string
	if err := s.Validate(set); err != nil {
		var verrs filter.ValidationErrors
		if req.Strict || !errors.As(err, &verrs) {
			return models.QueryResponse{}, err
		}
		warnings = verrs.Messages()
	}

	subjects, version, err := s.population.Current(ctx)
	if err != nil {
		return models.QueryResponse{}, fmt.Errorf("load population: %w", err)
	}
	metrics.ObservePopulation(len(subjects), version)

	key := ""
	if s.cache != nil {
		key = CacheKey(set, req, version)
		if resp, ok := s.cached(ctx, key); ok {
			resp.QueryID = uuid.New().String()
			resp.Warnings = warnings
			resp.Cached = true
			return resp, nil
		}
	}

	results, err := s.engine.Evaluate(ctx, set, subjects)
	var evalErr *engine.EvaluationError
	if err != nil && !errors.As(err, &evalErr) {
		return models.QueryResponse{}, err
	}

	resp := models.QueryResponse{
		QueryID:           uuid.New().String(),
		Status:            StatusCompleted,
		PopulationSize:    len(subjects),
		PopulationVersion: version,
		Results:           make([]models.ModalityResult, 0, len(set)),
		Warnings:          warnings,
	}
	if evalErr != nil {
		resp.Status = StatusPartial
	}
	for i, f := range set {
		if fe, ok := evalErr.Failure(i); ok {
			metrics.ObserveFilterError(string(f.Modality))
			resp.Results = append(resp.Results, models.ModalityResult{
				Modality:   f.Modality,
				SubjectIDs: []string{},
				Error:      fe.Error(),
			})
			continue
		}
		res, ok := results.Get(f.Modality)
		if !ok {
			continue
		}
		metrics.ObserveMatches(string(f.Modality), len(res.Subjects))
		resp.Results = append(resp.Results, toModalityResult(res, req.IncludeSubjects))
	}
	if req.Intersect {
		combined := toModalityResult(results.Intersection(), req.IncludeSubjects)
		resp.Combined = &combined
	}

	if s.cache != nil {
		s.store(ctx, key, resp)
	}
	s.publish(ctx, resp)
	return resp, nil
}

func toModalityResult(res engine.Result, includeSubjects bool) models.ModalityResult {
	counts := res.Counts
	out := models.ModalityResult{
		Modality:   res.Modality,
		SubjectIDs: res.IDs(),
		Counts:     &counts,
	}
	if includeSubjects {
		out.Subjects = make([]models.SubjectSummary, 0, len(res.Subjects))
		for _, subject := range res.Subjects {
			out.Subjects = append(out.Subjects, models.SubjectSummary{
				ID:     subject.ID,
				Name:   subject.Name,
				Email:  subject.Email,
				Age:    subject.Age,
				Gender: subject.Gender,
				Cohort: subject.Cohort(),
			})
		}
	}
	return out
}

func (s *Service) cached(ctx context.Context, key string) (models.QueryResponse, bool) {
	payload, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		logger.Log.WithError(err).Warn("Result cache lookup failed")
	}
	metrics.ObserveCache(ok)
	if !ok {
		return models.QueryResponse{}, false
	}
	var resp models.QueryResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		logger.Log.WithError(err).Warn("Discarding undecodable cached result")
		return models.QueryResponse{}, false
	}
	return resp, true
}

func (s *Service) store(ctx context.Context, key string, resp models.QueryResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.cacheTTL); err != nil {
		logger.Log.WithError(err).Warn("Failed to cache result")
	}
}

func (s *Service) publish(ctx context.Context, resp models.QueryResponse) {
	if s.publisher == nil {
		return
	}
	totals := make(map[string]interface{}, len(resp.Results))
	for _, r := range resp.Results {
		if r.Counts != nil {
			totals[string(r.Modality)] = r.Counts.Total
		}
	}
	err := s.publisher.PublishEvent(ctx, EventCohortEvaluated, eventSource, map[string]interface{}{
		"query_id":           resp.QueryID,
		"status":             resp.Status,
		"population_size":    resp.PopulationSize,
		"population_version": resp.PopulationVersion,
		"totals":             totals,
	})
	metrics.ObservePublish(err)
	if err != nil {
		logger.Log.WithError(err).WithField("query_id", resp.QueryID).Warn("Failed to publish cohort event")
	}
}

// Modalities lists the modality catalog in vocabulary order.
func (s *Service) Modalities() []models.ModalityInfo {
	out := make([]models.ModalityInfo, 0, len(s.vocab.Modalities))
	for _, spec := range s.vocab.Modalities {
		info := models.ModalityInfo{
			Key:         spec.Key,
			Label:       spec.Label,
			Description: spec.Description,
		}
		if spec.Key != models.ModalityDemographic {
			info.Timepoints = append([]int(nil), s.vocab.Timepoints...)
		}
		out = append(out, info)
	}
	return out
}

// Variables lists the fields of a modality with the operators each accepts.
// The cohort is optional and only checked; both cohorts share a vocabulary.
func (s *Service) Variables(modality models.Modality, cohort string) ([]models.VariableInfo, error) {
	spec, ok := s.vocab.Spec(modality)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModality, modality)
	}
	if cohort != "" {
		if _, ok := models.ParseCohort(cohort); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCohort, cohort)
		}
	}
	out := make([]models.VariableInfo, 0, len(spec.Fields))
	for _, field := range spec.Fields {
		info := models.VariableInfo{
			Name:  field.Name,
			Label: field.Label,
			Type:  field.Type,
		}
		for _, op := range filter.OperatorsFor(field.Type) {
			info.Operators = append(info.Operators, models.VariableOperator{Value: string(op), Label: op.Label()})
		}
		out = append(out, info)
	}
	return out, nil
}
