package cohort

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
)

type fakePopulation struct {
	subjects []models.Subject
	version  int64
	err      error
}

func (f *fakePopulation) Current(ctx context.Context) ([]models.Subject, int64, error) {
	return f.subjects, f.version, f.err
}

type memCache struct {
	mu    sync.Mutex
	items map[string][]byte
	sets  int
}

func newMemCache() *memCache {
	return &memCache{items: map[string][]byte{}}
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok, nil
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	c.sets++
	return nil
}

type event struct {
	eventType string
	data      map[string]interface{}
}

type recordingPublisher struct {
	events []event
	err    error
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error {
	p.events = append(p.events, event{eventType: eventType, data: data})
	return p.err
}

type memTemplates struct {
	items map[string]Template
}

func (m *memTemplates) List(ctx context.Context, limit int) ([]Template, error) {
	out := make([]Template, 0, len(m.items))
	for _, t := range m.items {
		out = append(out, t)
	}
	return out, nil
}

func (m *memTemplates) Get(ctx context.Context, id string) (Template, error) {
	t, ok := m.items[id]
	if !ok {
		return Template{}, ErrTemplateNotFound
	}
	return t, nil
}

func (m *memTemplates) Create(ctx context.Context, tmpl Template) (Template, error) {
	tmpl.ID = uuid.New().String()
	tmpl.CreatedAt = time.Now().UTC()
	m.items[tmpl.ID] = tmpl
	return tmpl, nil
}

func population() []models.Subject {
	anthro := func(bmi map[int]float64) map[models.Modality]models.Timeline {
		tl := models.Timeline{}
		for tp, v := range bmi {
			tl[tp] = models.Record{"bmi": v}
		}
		return map[models.Modality]models.Timeline{models.ModalityAnthropometric: tl}
	}
	subjects := []models.Subject{
		{ID: "1", Name: "John Doe", Age: 35, Gender: models.GenderMale, Measures: anthro(map[int]float64{1: 22.5, 2: 23.1})},
		{ID: "2", Name: "Jane Smith", Age: 28, Gender: models.GenderFemale, Measures: anthro(map[int]float64{1: 21.0, 2: 24.9})},
		{ID: "3", Name: "Bob Johnson", Age: 42, Gender: models.GenderMale, Measures: anthro(map[int]float64{1: 24.0, 3: 27.4})},
		{ID: "4", Name: "Alice Brown", Age: 31, Gender: models.GenderFemale, Measures: anthro(map[int]float64{2: 19.8})},
		{ID: "5", Name: "Charlie Wilson", Age: 45, Gender: models.GenderMale, Measures: anthro(map[int]float64{1: 29.3, 2: 28.7})},
		{ID: "6", Name: "Sam Kid", Age: 12, Gender: models.GenderOther, Measures: anthro(map[int]float64{1: 26.0})},
	}
	subjects[1].Measures[models.ModalityDiet] = models.Timeline{1: {"calorie_intake": 2100.0}}
	subjects[4].Measures[models.ModalityDiet] = models.Timeline{2: {"calorie_intake": 1800.0}}
	return subjects
}

func bmiOver25() filter.FilterSet {
	return filter.NewBuilder().
		Timepoints(models.ModalityAnthropometric, filter.AllTimepoints).
		Threshold(models.ModalityAnthropometric, filter.Compare("bmi", filter.OpGt, 25)).
		Build()
}

func TestExecuteReturnsTalliesPerModality(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewService(nil, nil, &fakePopulation{subjects: population(), version: 3}, WithPublisher(pub))

	resp, err := svc.Execute(context.Background(), QueryRequest{Filters: bmiOver25(), IncludeSubjects: true})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, 6, resp.PopulationSize)
	assert.Equal(t, int64(3), resp.PopulationVersion)
	assert.NotEmpty(t, resp.QueryID)
	assert.False(t, resp.Cached)

	res, ok := resp.Result(models.ModalityAnthropometric)
	require.True(t, ok)
	assert.Equal(t, []string{"3", "5", "6"}, res.SubjectIDs)
	require.NotNil(t, res.Counts)
	assert.Equal(t, 3, res.Counts.Total)
	assert.Equal(t, 2, res.Counts.ByCohort.Adult)
	assert.Equal(t, 1, res.Counts.ByCohort.Children)
	assert.Equal(t, 1, res.Counts.ByGender.Children.O)
	require.Len(t, res.Subjects, 3)
	assert.Equal(t, models.CohortChildren, res.Subjects[2].Cohort)

	require.Len(t, pub.events, 1)
	assert.Equal(t, EventCohortEvaluated, pub.events[0].eventType)
	assert.Equal(t, resp.QueryID, pub.events[0].data["query_id"])
}

func TestExecuteFromExpressionWithIntersection(t *testing.T) {
	svc := NewService(nil, nil, &fakePopulation{subjects: population(), version: 1})

	resp, err := svc.Execute(context.Background(), QueryRequest{
		Expression: "anthropometric: bmi > 25 at all for adult; diet",
		Intersect:  true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, []string{"3", "5"}, resp.Results[0].SubjectIDs)
	assert.Equal(t, []string{"2", "5"}, resp.Results[1].SubjectIDs)
	assert.Empty(t, resp.Results[0].Subjects)

	require.NotNil(t, resp.Combined)
	assert.Equal(t, []string{"5"}, resp.Combined.SubjectIDs)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	svc := NewService(nil, nil, &fakePopulation{subjects: population()})

	_, err := svc.Execute(context.Background(), QueryRequest{Expression: "diet: calorie_intake ~ 3"})
	assert.ErrorIs(t, err, ErrInvalidExpression)

	_, err = svc.Execute(context.Background(), QueryRequest{Expression: "diet", Filters: bmiOver25()})
	assert.ErrorIs(t, err, ErrAmbiguousRequest)

	strict := QueryRequest{Strict: true, Filters: filter.FilterSet{{Modality: "lifestyle"}}}
	_, err = svc.Execute(context.Background(), strict)
	assert.True(t, filter.IsValidationError(err))
}

func TestExecuteReportsPartialFailures(t *testing.T) {
	svc := NewService(nil, nil, &fakePopulation{subjects: population()})
	set := append(bmiOver25(),
		filter.Filter{Modality: "lifestyle"},
		filter.Filter{Modality: models.ModalityDiet, LogicParameter: &filter.LogicParameter{
			Thresholds: []filter.Threshold{filter.Compare("calorie_intake", "~", 1)},
		}},
	)

	resp, err := svc.Execute(context.Background(), QueryRequest{Filters: set})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, resp.Status)
	assert.NotEmpty(t, resp.Warnings)
	require.Len(t, resp.Results, 3)

	assert.Empty(t, resp.Results[0].Error)
	assert.Equal(t, 3, resp.Results[0].Counts.Total)
	assert.Equal(t, models.Modality("lifestyle"), resp.Results[1].Modality)
	assert.Contains(t, resp.Results[1].Error, "unknown modality")
	assert.Nil(t, resp.Results[1].Counts)
	assert.Contains(t, resp.Results[2].Error, "operator")

	dup := append(bmiOver25(), filter.Filter{Modality: models.ModalityAnthropometric})
	resp, err = svc.Execute(context.Background(), QueryRequest{Filters: dup})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, resp.Status)
	require.Len(t, resp.Results, 2)
	assert.Empty(t, resp.Results[0].Error)
	assert.Equal(t, 3, resp.Results[0].Counts.Total)
	assert.Contains(t, resp.Results[1].Error, "duplicate modality")
	assert.Nil(t, resp.Results[1].Counts)
}

func TestExecuteUsesCachePerPopulationVersion(t *testing.T) {
	cache := newMemCache()
	pop := &fakePopulation{subjects: population(), version: 1}
	pub := &recordingPublisher{}
	svc := NewService(nil, nil, pop, WithCache(cache, time.Minute), WithPublisher(pub))

	first, err := svc.Execute(context.Background(), QueryRequest{Filters: bmiOver25()})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.Execute(context.Background(), QueryRequest{Filters: bmiOver25()})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.QueryID, second.QueryID)
	assert.Equal(t, first.Results, second.Results)
	assert.Len(t, pub.events, 1)

	pop.version = 2
	third, err := svc.Execute(context.Background(), QueryRequest{Filters: bmiOver25()})
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, cache.sets)
}

func TestExecutePropagatesSourceAndContextErrors(t *testing.T) {
	boom := errors.New("db down")
	svc := NewService(nil, nil, &fakePopulation{err: boom})
	_, err := svc.Execute(context.Background(), QueryRequest{Filters: bmiOver25()})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc = NewService(nil, nil, &fakePopulation{subjects: population()})
	_, err = svc.Execute(ctx, QueryRequest{Filters: bmiOver25()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishFailureDoesNotFailQuery(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	svc := NewService(nil, nil, &fakePopulation{subjects: population()}, WithPublisher(pub))
	_, err := svc.Execute(context.Background(), QueryRequest{Filters: bmiOver25()})
	assert.NoError(t, err)
}

func TestCatalog(t *testing.T) {
	svc := NewService(nil, nil, &fakePopulation{})

	mods := svc.Modalities()
	require.Len(t, mods, 4)
	for _, m := range mods {
		if m.Key == models.ModalityDemographic {
			assert.Empty(t, m.Timepoints)
		} else {
			assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, m.Timepoints)
		}
	}

	vars, err := svc.Variables(models.ModalityGenetic, "adults")
	require.NoError(t, err)
	byName := map[string]models.VariableInfo{}
	for _, v := range vars {
		byName[v.Name] = v
	}
	assert.Len(t, byName["gene_variant_1"].Operators, 2)
	assert.Len(t, byName["risk_score"].Operators, 7)

	_, err = svc.Variables("lifestyle", "")
	assert.ErrorIs(t, err, ErrUnknownModality)
	_, err = svc.Variables(models.ModalityDiet, "seniors")
	assert.ErrorIs(t, err, ErrUnknownCohort)
}

func TestTemplates(t *testing.T) {
	store := &memTemplates{items: map[string]Template{}}
	svc := NewService(nil, nil, &fakePopulation{subjects: population()}, WithTemplates(store))

	_, err := svc.SaveTemplate(context.Background(), TemplateRequest{Filters: bmiOver25()})
	var verrs validator.ValidationErrors
	assert.ErrorAs(t, err, &verrs)

	_, err = svc.SaveTemplate(context.Background(), TemplateRequest{Name: "bad", Expression: "lifestyle"})
	assert.True(t, filter.IsValidationError(err))

	tmpl, err := svc.SaveTemplate(context.Background(), TemplateRequest{
		Name:       "  Overweight adults ",
		Expression: "anthropometric: bmi > 25 for adult",
		Tags:       []string{"bmi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Overweight adults", tmpl.Name)
	require.Len(t, tmpl.Filters, 1)

	list, err := svc.ListTemplates(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	resp, err := svc.RunTemplate(context.Background(), tmpl.ID, QueryRequest{Expression: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "5"}, resp.Results[0].SubjectIDs)

	_, err = svc.RunTemplate(context.Background(), uuid.New().String(), QueryRequest{})
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = NewService(nil, nil, &fakePopulation{}).ListTemplates(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTemplatesDisabled)
}

func TestCacheKeyDependsOnInputs(t *testing.T) {
	set := bmiOver25()
	base := CacheKey(set, QueryRequest{}, 1)
	assert.Equal(t, base, CacheKey(set.Clone(), QueryRequest{Strict: true}, 1))
	assert.NotEqual(t, base, CacheKey(set, QueryRequest{}, 2))
	assert.NotEqual(t, base, CacheKey(set, QueryRequest{IncludeSubjects: true}, 1))
	assert.NotEqual(t, base, CacheKey(filter.FilterSet{{Modality: models.ModalityDiet}}, QueryRequest{}, 1))
}
