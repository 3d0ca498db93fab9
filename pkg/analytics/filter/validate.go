package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
)

var (
	ErrUnknownModality   = errors.New("unknown modality")
	ErrDuplicateModality = errors.New("modality filtered more than once")
	ErrUnknownVariable   = errors.New("variable not in modality vocabulary")
	ErrUnknownOperator   = errors.New("unrecognized operator")
	ErrMissingUpper      = errors.New("between requires value and value2")
	ErrInvalidTimepoint  = errors.New("timepoint must be a positive integer or all")
	ErrUnknownCohort     = errors.New("unknown cohort")
)

// ValidationError pins a violated constraint to its position in the filter
// set. ThresholdIndex is -1 when the violation is not tied to a threshold.
type ValidationError struct {
	FilterIndex    int
	Modality       models.Modality
	ThresholdIndex int
	Field          string
	reason         error
}

func (e ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "filters[%d]", e.FilterIndex)
	if e.Modality != "" {
		fmt.Fprintf(&b, " (%s)", e.Modality)
	}
	if e.ThresholdIndex >= 0 {
		fmt.Fprintf(&b, ".thresholds[%d]", e.ThresholdIndex)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ".%s", e.Field)
	}
	fmt.Fprintf(&b, ": %v", e.reason)
	return b.String()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

// ValidationErrors collects every violation found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ve := range e {
		msgs = append(msgs, ve.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Unwrap() []error {
	out := make([]error, 0, len(e))
	for _, ve := range e {
		out = append(out, ve)
	}
	return out
}

// Messages renders each violation on its own.
func (e ValidationErrors) Messages() []string {
	msgs := make([]string, 0, len(e))
	for _, ve := range e {
		msgs = append(msgs, ve.Error())
	}
	return msgs
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Validate checks a filter set against the vocabulary. It is advisory: the
// engine tolerates everything reported here except unknown modalities and
// malformed operators. Inverted between ranges are not reported.
func Validate(set FilterSet, vocab *Vocabulary) error {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	var errs ValidationErrors
	seen := make(map[models.Modality]int, len(set))

	for i, f := range set {
		fail := func(threshold int, field string, reason error) {
			errs = append(errs, ValidationError{
				FilterIndex:    i,
				Modality:       f.Modality,
				ThresholdIndex: threshold,
				Field:          field,
				reason:         reason,
			})
		}

		if !vocab.Has(f.Modality) {
			fail(-1, "modality", fmt.Errorf("%q: %w", f.Modality, ErrUnknownModality))
			continue
		}
		if first, dup := seen[f.Modality]; dup {
			fail(-1, "modality", fmt.Errorf("already filtered at filters[%d]: %w", first, ErrDuplicateModality))
			continue
		}
		seen[f.Modality] = i

		lp := f.LogicParameter
		if lp == nil {
			continue
		}
		for _, name := range lp.Variables {
			if _, ok := vocab.Field(f.Modality, name); !ok {
				fail(-1, "variables", fmt.Errorf("%q: %w", name, ErrUnknownVariable))
			}
		}
		for _, tp := range lp.Timepoints {
			if !tp.All() && tp < 1 {
				fail(-1, "timepoints", fmt.Errorf("%d: %w", tp, ErrInvalidTimepoint))
			}
		}
		for _, c := range lp.Cohorts {
			if _, ok := models.ParseCohort(string(c)); !ok {
				fail(-1, "cohorts", fmt.Errorf("%q: %w", c, ErrUnknownCohort))
			}
		}
		for j, t := range lp.Thresholds {
			if err := ValidateThreshold(t); err != nil {
				field := "operator"
				if errors.Is(err, ErrMissingUpper) {
					field = "value2"
				}
				fail(j, field, err)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateThreshold reports structural problems with a single threshold.
// Unset thresholds are valid.
func ValidateThreshold(t Threshold) error {
	if t.Operator != "" && !t.Operator.Valid() {
		return fmt.Errorf("%q: %w", t.Operator, ErrUnknownOperator)
	}
	if t.IsSet() && t.Operator == OpBetween && !t.HasUpper() {
		return ErrMissingUpper
	}
	return nil
}
