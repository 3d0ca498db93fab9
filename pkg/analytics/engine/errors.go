package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
)

var (
	ErrUnknownModality     = errors.New("unknown modality")
	ErrDuplicateModality   = errors.New("duplicate modality")
	ErrUnknownOperator     = errors.New("unknown operator")
	ErrBetweenMissingUpper = errors.New("between threshold missing value2")
)

// FilterError reports a structurally broken filter. Evaluation of that filter
// is abandoned; its siblings are unaffected.
type FilterError struct {
	FilterIndex    int
	Modality       models.Modality
	ThresholdIndex int
	Err            error
}

func (e *FilterError) Error() string {
	if e.ThresholdIndex >= 0 {
		return fmt.Sprintf("filter %d (%s) threshold %d: %v", e.FilterIndex, e.Modality, e.ThresholdIndex, e.Err)
	}
	return fmt.Sprintf("filter %d (%s): %v", e.FilterIndex, e.Modality, e.Err)
}

func (e *FilterError) Unwrap() error {
	return e.Err
}

// EvaluationError lists the filters that could not be evaluated. It
// accompanies a Results value holding everything else.
type EvaluationError struct {
	Failures []*FilterError
}

func (e *EvaluationError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return "evaluation incomplete: " + strings.Join(msgs, "; ")
}

func (e *EvaluationError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}

// Failure returns the error recorded for the filter at index i, if any. A nil
// receiver has no failures.
func (e *EvaluationError) Failure(i int) (*FilterError, bool) {
	if e == nil {
		return nil, false
	}
	for _, f := range e.Failures {
		if f.FilterIndex == i {
			return f, true
		}
	}
	return nil, false
}

func IsFilterError(err error) bool {
	var fe *FilterError
	return errors.As(err, &fe)
}
