package models

import (
	"sort"
	"strings"
	"time"
)

// Modality names a category of subject data.
type Modality string

const (
	ModalityDiet           Modality = "diet"
	ModalityGenetic        Modality = "genetic"
	ModalityAnthropometric Modality = "anthropometric"
	ModalityDemographic    Modality = "demographic"
)

func (m Modality) String() string {
	return string(m)
}

// Cohort is derived from age, never stored.
type Cohort string

const (
	CohortAdult    Cohort = "adult"
	CohortChildren Cohort = "children"

	AdultAge = 18
)

// CohortForAge classifies an age into the adult or children cohort.
func CohortForAge(age int) Cohort {
	if age >= AdultAge {
		return CohortAdult
	}
	return CohortChildren
}

// ParseCohort accepts the cohort names used by both the UI and the legacy
// table mapping ("adults", "child").
func ParseCohort(value string) (Cohort, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "adult", "adults":
		return CohortAdult, true
	case "children", "child":
		return CohortChildren, true
	default:
		return "", false
	}
}

type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderOther  Gender = "Other"
)

// ParseGender normalizes free-form gender input. Anything that is not male or
// female lands in Other.
func ParseGender(value string) Gender {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "male", "m":
		return GenderMale
	case "female", "f":
		return GenderFemale
	default:
		return GenderOther
	}
}

// Code returns the single-letter tally key.
func (g Gender) Code() string {
	switch g {
	case GenderMale:
		return "M"
	case GenderFemale:
		return "F"
	default:
		return "O"
	}
}

// Record holds the named field values observed at one timepoint.
type Record map[string]interface{}

// Timeline maps a timepoint (>= 1) to its record. A nil record marks a
// timepoint that is known but carries no data.
type Timeline map[int]Record

// Points returns the timepoints that hold data, ascending.
func (t Timeline) Points() []int {
	points := make([]int, 0, len(t))
	for tp, rec := range t {
		if rec != nil {
			points = append(points, tp)
		}
	}
	sort.Ints(points)
	return points
}

// At returns the record at a timepoint if it holds data.
func (t Timeline) At(tp int) (Record, bool) {
	rec, ok := t[tp]
	if !ok || rec == nil {
		return nil, false
	}
	return rec, true
}

func (t Timeline) Empty() bool {
	for _, rec := range t {
		if rec != nil {
			return false
		}
	}
	return true
}

// DemographicTimepoint is the implicit timepoint that demographic scalars occupy.
const DemographicTimepoint = 1

type Subject struct {
	ID             string                `json:"id"`
	Name           string                `json:"name,omitempty"`
	Email          string                `json:"email,omitempty"`
	Age            int                   `json:"age"`
	Gender         Gender                `json:"gender"`
	Ethnicity      string                `json:"ethnicity,omitempty"`
	EducationLevel string                `json:"education_level,omitempty"`
	IncomeLevel    string                `json:"income_level,omitempty"`
	MaritalStatus  string                `json:"marital_status,omitempty"`
	Measures       map[Modality]Timeline `json:"measures,omitempty"`
}

func (s *Subject) Cohort() Cohort {
	return CohortForAge(s.Age)
}

// Timeline returns the subject's data for a modality. Demographic scalars are
// presented as a single implicit timepoint so they evaluate like any other
// modality. The second value is false when the subject has no data.
func (s *Subject) Timeline(m Modality) (Timeline, bool) {
	if m == ModalityDemographic {
		return Timeline{DemographicTimepoint: s.demographicRecord()}, true
	}
	timeline, ok := s.Measures[m]
	if !ok || timeline.Empty() {
		return nil, false
	}
	return timeline, true
}

func (s *Subject) demographicRecord() Record {
	rec := Record{
		"age":    s.Age,
		"gender": string(s.Gender),
	}
	optional := map[string]string{
		"ethnicity":       s.Ethnicity,
		"education_level": s.EducationLevel,
		"income_level":    s.IncomeLevel,
		"marital_status":  s.MaritalStatus,
	}
	for key, value := range optional {
		if value != "" {
			rec[key] = value
		}
	}
	return rec
}

// Normalize canonicalizes gender input from an external source.
func (s *Subject) Normalize() {
	s.Gender = ParseGender(string(s.Gender))
}

// Event is the envelope published to and consumed from Kafka.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

type CohortCounts struct {
	Adult    int `json:"adult"`
	Children int `json:"children"`
}

type GenderCounts struct {
	M int `json:"M"`
	F int `json:"F"`
	O int `json:"O"`
}

func (g GenderCounts) Sum() int {
	return g.M + g.F + g.O
}

type GenderSplit struct {
	Adult    GenderCounts `json:"adult"`
	Children GenderCounts `json:"children"`
}

// Tally is the aggregate of a matching subject set.
type Tally struct {
	Total    int          `json:"total"`
	ByCohort CohortCounts `json:"byCohort"`
	ByGender GenderSplit  `json:"byGender"`
}

// Add counts one subject.
func (t *Tally) Add(s *Subject) {
	t.Total++
	split := &t.ByGender.Children
	if s.Cohort() == CohortAdult {
		t.ByCohort.Adult++
		split = &t.ByGender.Adult
	} else {
		t.ByCohort.Children++
	}
	switch ParseGender(string(s.Gender)) {
	case GenderMale:
		split.M++
	case GenderFemale:
		split.F++
	default:
		split.O++
	}
}

type SubjectSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Age    int    `json:"age"`
	Gender Gender `json:"gender"`
	Cohort Cohort `json:"cohort"`
}

type ModalityResult struct {
	Modality   Modality         `json:"modality"`
	SubjectIDs []string         `json:"subjectIds"`
	Subjects   []SubjectSummary `json:"subjects,omitempty"`
	Counts     *Tally           `json:"counts,omitempty"`
	Error      string           `json:"error,omitempty"`
}

type QueryResponse struct {
	QueryID           string           `json:"queryId"`
	Status            string           `json:"status"`
	PopulationSize    int              `json:"populationSize"`
	PopulationVersion int64            `json:"populationVersion"`
	Results           []ModalityResult `json:"results"`
	Combined          *ModalityResult  `json:"combined,omitempty"`
	Warnings          []string         `json:"warnings,omitempty"`
	Cached            bool             `json:"cached"`
	QueryTime         time.Duration    `json:"queryTime"`
}

// Result looks up a modality's result by key.
func (r QueryResponse) Result(m Modality) (ModalityResult, bool) {
	for _, res := range r.Results {
		if res.Modality == m {
			return res, true
		}
	}
	return ModalityResult{}, false
}

type VariableOperator struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type VariableInfo struct {
	Name      string             `json:"name"`
	Label     string             `json:"label"`
	Type      string             `json:"type"`
	Operators []VariableOperator `json:"operators"`
}

type ModalityInfo struct {
	Key         Modality `json:"key"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Timepoints  []int    `json:"timepoints,omitempty"`
}
