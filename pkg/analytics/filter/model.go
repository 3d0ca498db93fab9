package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
)

type Operator string

const (
	OpEq      Operator = "="
	OpNotEq   Operator = "!="
	OpGt      Operator = ">"
	OpLt      Operator = "<"
	OpGte     Operator = ">="
	OpLte     Operator = "<="
	OpBetween Operator = "between"
)

var operators = []Operator{OpEq, OpNotEq, OpGt, OpLt, OpGte, OpLte, OpBetween}

// Operators returns the recognized operators in display order.
func Operators() []Operator {
	return append([]Operator(nil), operators...)
}

func (o Operator) Valid() bool {
	for _, op := range operators {
		if o == op {
			return true
		}
	}
	return false
}

func (o Operator) Numeric() bool {
	switch o {
	case OpGt, OpLt, OpGte, OpLte, OpBetween:
		return true
	}
	return false
}

func (o Operator) Label() string {
	switch o {
	case OpEq:
		return "equals"
	case OpNotEq:
		return "not equals"
	case OpGt:
		return "greater than"
	case OpLt:
		return "less than"
	case OpGte:
		return "greater than or equal"
	case OpLte:
		return "less than or equal"
	case OpBetween:
		return "between"
	}
	return string(o)
}

// Timepoint selects an observation occasion. Concrete timepoints start at 1;
// AllTimepoints is a sentinel outside that range, so a stray 0 stays an
// ordinary timepoint that no subject has.
type Timepoint int

const AllTimepoints Timepoint = -1

func (t Timepoint) All() bool {
	return t == AllTimepoints
}

func (t Timepoint) String() string {
	if t.All() {
		return "all"
	}
	return strconv.Itoa(int(t))
}

func (t Timepoint) MarshalJSON() ([]byte, error) {
	if t.All() {
		return []byte(`"all"`), nil
	}
	return []byte(strconv.Itoa(int(t))), nil
}

func (t *Timepoint) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tp, err := ParseTimepoint(raw)
	if err != nil {
		return err
	}
	*t = tp
	return nil
}

// ParseTimepoint accepts "all", integers and numeric strings. Only the word
// "all" selects every timepoint; negative numbers are rejected.
func ParseTimepoint(raw interface{}) (Timepoint, error) {
	var n int
	switch v := raw.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("timepoint %v is not an integer", v)
		}
		n = int(v)
	case int:
		n = v
	case string:
		s := strings.TrimSpace(v)
		if strings.EqualFold(s, "all") {
			return AllTimepoints, nil
		}
		parsed, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid timepoint %q", v)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("invalid timepoint %v", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("timepoint %d is negative", n)
	}
	return Timepoint(n), nil
}

// Threshold compares one field at a timepoint. A threshold with no variable,
// operator or value is unset and holds vacuously.
type Threshold struct {
	Variable string      `json:"variable"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
	Value2   interface{} `json:"value2,omitempty"`
}

func (t Threshold) IsSet() bool {
	return strings.TrimSpace(t.Variable) != "" && t.Operator != "" && present(t.Value)
}

// HasUpper reports whether the second operand of a range is present.
func (t Threshold) HasUpper() bool {
	return present(t.Value2)
}

func (t *Threshold) UnmarshalJSON(data []byte) error {
	var raw struct {
		Variable json.RawMessage `json:"variable"`
		Operator Operator        `json:"operator"`
		Value    interface{}     `json:"value"`
		Value2   interface{}     `json:"value2"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	variable, err := decodeVariable(raw.Variable)
	if err != nil {
		return err
	}
	*t = Threshold{
		Variable: variable,
		Operator: Operator(strings.TrimSpace(string(raw.Operator))),
		Value:    raw.Value,
		Value2:   raw.Value2,
	}
	return nil
}

// decodeVariable accepts either a bare field name or the {name, type} object
// the variable catalog hands out.
func decodeVariable(data json.RawMessage) (string, error) {
	if len(data) == 0 || string(data) == "null" {
		return "", nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return strings.TrimSpace(name), nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("invalid threshold variable: %w", err)
	}
	return strings.TrimSpace(obj.Name), nil
}

func present(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}

// LogicParameter is the second level of a filter: variable, timepoint and
// cohort selection plus the thresholds evaluated per timepoint.
type LogicParameter struct {
	Variables  []string        `json:"variables"`
	Timepoints []Timepoint     `json:"timepoints"`
	Thresholds []Threshold     `json:"thresholds"`
	Cohorts    []models.Cohort `json:"cohorts"`
}

// AllTimepoints reports whether every available timepoint should be examined.
// An empty selection counts as all.
func (lp *LogicParameter) AllTimepoints() bool {
	if lp == nil || len(lp.Timepoints) == 0 {
		return true
	}
	for _, tp := range lp.Timepoints {
		if tp.All() {
			return true
		}
	}
	return false
}

func (lp *LogicParameter) HasVariable(name string) bool {
	for _, v := range lp.Variables {
		if v == name {
			return true
		}
	}
	return false
}

func (lp *LogicParameter) AllowsCohort(c models.Cohort) bool {
	if lp == nil || len(lp.Cohorts) == 0 {
		return true
	}
	for _, allowed := range lp.Cohorts {
		if allowed == c {
			return true
		}
	}
	return false
}

func (lp *LogicParameter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Variables  []json.RawMessage `json:"variables"`
		Timepoints []Timepoint       `json:"timepoints"`
		Thresholds []Threshold       `json:"thresholds"`
		Cohorts    []string          `json:"cohorts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := LogicParameter{
		Timepoints: raw.Timepoints,
		Thresholds: raw.Thresholds,
	}
	for _, v := range raw.Variables {
		name, err := decodeVariable(v)
		if err != nil {
			return err
		}
		if name != "" {
			out.Variables = append(out.Variables, name)
		}
	}
	for _, c := range raw.Cohorts {
		cohort, ok := models.ParseCohort(c)
		if !ok {
			// kept verbatim so validation can point at it
			cohort = models.Cohort(c)
		}
		out.Cohorts = append(out.Cohorts, cohort)
	}
	*lp = out
	return nil
}

func (lp LogicParameter) clone() LogicParameter {
	return LogicParameter{
		Variables:  append([]string(nil), lp.Variables...),
		Timepoints: append([]Timepoint(nil), lp.Timepoints...),
		Thresholds: append([]Threshold(nil), lp.Thresholds...),
		Cohorts:    append([]models.Cohort(nil), lp.Cohorts...),
	}
}

// Filter restricts one modality. At most one LogicParameter per filter.
type Filter struct {
	Modality       models.Modality `json:"modality"`
	LogicParameter *LogicParameter `json:"logicParameter,omitempty"`
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Modality        string           `json:"modality"`
		LogicParameter  *LogicParameter  `json:"logicParameter"`
		LogicParameters []LogicParameter `json:"logicParameters"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Filter{
		Modality:       models.Modality(strings.ToLower(strings.TrimSpace(raw.Modality))),
		LogicParameter: raw.LogicParameter,
	}
	switch {
	case len(raw.LogicParameters) > 1:
		return fmt.Errorf("filter %q: at most one logic parameter is allowed, got %d", raw.Modality, len(raw.LogicParameters))
	case len(raw.LogicParameters) == 1:
		if out.LogicParameter != nil {
			return fmt.Errorf("filter %q: both logicParameter and logicParameters given", raw.Modality)
		}
		lp := raw.LogicParameters[0]
		out.LogicParameter = &lp
	}
	*f = out
	return nil
}

func (f Filter) clone() Filter {
	out := Filter{Modality: f.Modality}
	if f.LogicParameter != nil {
		lp := f.LogicParameter.clone()
		out.LogicParameter = &lp
	}
	return out
}

// FilterSet is the ordered list of filters submitted for one evaluation.
type FilterSet []Filter

// Clone returns a deep copy so callers can keep mutating their own value.
func (s FilterSet) Clone() FilterSet {
	if s == nil {
		return nil
	}
	out := make(FilterSet, len(s))
	for i, f := range s {
		out[i] = f.clone()
	}
	return out
}

func (s FilterSet) Modalities() []models.Modality {
	out := make([]models.Modality, 0, len(s))
	for _, f := range s {
		out = append(out, f.Modality)
	}
	return out
}
