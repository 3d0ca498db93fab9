package filter

import "github.com/synaptica-ai/cohortfilter/pkg/common/models"

// Builder assembles a FilterSet. Every method returns a new Builder and leaves
// the receiver untouched, so a partially built set can be branched safely.
type Builder struct {
	filters FilterSet
}

func NewBuilder() Builder {
	return Builder{}
}

// From starts a builder from an existing set.
func From(set FilterSet) Builder {
	return Builder{filters: set.Clone()}
}

// Modality appends a filter for the modality. A modality already present is
// left as is.
func (b Builder) Modality(m models.Modality) Builder {
	if b.index(m) >= 0 {
		return b
	}
	next := b.filters.Clone()
	next = append(next, Filter{Modality: m})
	return Builder{filters: next}
}

// Remove drops the filter for a modality.
func (b Builder) Remove(m models.Modality) Builder {
	next := make(FilterSet, 0, len(b.filters))
	for _, f := range b.filters {
		if f.Modality != m {
			next = append(next, f.clone())
		}
	}
	return Builder{filters: next}
}

// Parameter replaces the logic parameter of a modality's filter, adding the
// filter if needed.
func (b Builder) Parameter(m models.Modality, lp LogicParameter) Builder {
	return b.update(m, func(*LogicParameter) *LogicParameter {
		next := lp.clone()
		return &next
	})
}

// ClearParameter turns the modality's filter back into an existence-only filter.
func (b Builder) ClearParameter(m models.Modality) Builder {
	return b.update(m, func(*LogicParameter) *LogicParameter { return nil })
}

func (b Builder) Variables(m models.Modality, variables ...string) Builder {
	return b.update(m, func(lp *LogicParameter) *LogicParameter {
		lp.Variables = append([]string(nil), variables...)
		return lp
	})
}

func (b Builder) Timepoints(m models.Modality, timepoints ...Timepoint) Builder {
	return b.update(m, func(lp *LogicParameter) *LogicParameter {
		lp.Timepoints = append([]Timepoint(nil), timepoints...)
		return lp
	})
}

func (b Builder) Cohorts(m models.Modality, cohorts ...models.Cohort) Builder {
	return b.update(m, func(lp *LogicParameter) *LogicParameter {
		lp.Cohorts = append([]models.Cohort(nil), cohorts...)
		return lp
	})
}

// Threshold appends a threshold. The variable is added to the parameter's
// variable selection if it is not already there.
func (b Builder) Threshold(m models.Modality, t Threshold) Builder {
	return b.update(m, func(lp *LogicParameter) *LogicParameter {
		lp.Thresholds = append(lp.Thresholds, t)
		if t.Variable != "" && !lp.HasVariable(t.Variable) {
			lp.Variables = append(lp.Variables, t.Variable)
		}
		return lp
	})
}

// RemoveThreshold drops the threshold at index i; out of range is a no-op.
func (b Builder) RemoveThreshold(m models.Modality, i int) Builder {
	return b.update(m, func(lp *LogicParameter) *LogicParameter {
		if i < 0 || i >= len(lp.Thresholds) {
			return lp
		}
		lp.Thresholds = append(lp.Thresholds[:i:i], lp.Thresholds[i+1:]...)
		return lp
	})
}

func (b Builder) Build() FilterSet {
	return b.filters.Clone()
}

func (b Builder) index(m models.Modality) int {
	for i, f := range b.filters {
		if f.Modality == m {
			return i
		}
	}
	return -1
}

// update hands fn a private copy of the modality's logic parameter.
func (b Builder) update(m models.Modality, fn func(*LogicParameter) *LogicParameter) Builder {
	next := b.Modality(m).filters.Clone()
	for i := range next {
		if next[i].Modality != m {
			continue
		}
		lp := next[i].LogicParameter
		if lp == nil {
			lp = &LogicParameter{}
		}
		next[i].LogicParameter = fn(lp)
	}
	return Builder{filters: next}
}

// Between is shorthand for an inclusive range threshold.
func Between(variable string, lower, upper interface{}) Threshold {
	return Threshold{Variable: variable, Operator: OpBetween, Value: lower, Value2: upper}
}

func Compare(variable string, op Operator, value interface{}) Threshold {
	return Threshold{Variable: variable, Operator: op, Value: value}
}
