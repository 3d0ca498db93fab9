package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
)

func TestParseExpression(t *testing.T) {
	set, err := Parse("Anthropometric: bmi > 25 and weight between 60 and 90.5 at 1, 3 for adults; diet")
	require.NoError(t, err)
	require.Len(t, set, 2)

	anthro := set[0]
	assert.Equal(t, models.ModalityAnthropometric, anthro.Modality)
	require.NotNil(t, anthro.LogicParameter)
	lp := anthro.LogicParameter
	assert.Equal(t, []string{"bmi", "weight"}, lp.Variables)
	assert.Equal(t, []filter.Timepoint{1, 3}, lp.Timepoints)
	assert.Equal(t, []models.Cohort{models.CohortAdult}, lp.Cohorts)
	require.Len(t, lp.Thresholds, 2)
	assert.Equal(t, filter.Compare("bmi", filter.OpGt, 25.0), lp.Thresholds[0])
	assert.Equal(t, filter.Between("weight", 60.0, 90.5), lp.Thresholds[1])

	assert.Equal(t, models.ModalityDiet, set[1].Modality)
	assert.Nil(t, set[1].LogicParameter)

	assert.NoError(t, filter.Validate(set, nil))
}

func TestParseQuotedAndAllTimepoints(t *testing.T) {
	set, err := Parse("demographic: marital_status != 'Single' and age >= 18 at all")
	require.NoError(t, err)
	lp := set[0].LogicParameter
	require.NotNil(t, lp)
	assert.True(t, lp.AllTimepoints())
	assert.Equal(t, filter.Compare("marital_status", filter.OpNotEq, "Single"), lp.Thresholds[0])
	assert.Equal(t, filter.Compare("age", filter.OpGte, 18.0), lp.Thresholds[1])
}

func TestParseCohortOnly(t *testing.T) {
	set, err := Parse("genetic: for child")
	require.NoError(t, err)
	require.NotNil(t, set[0].LogicParameter)
	assert.Equal(t, []models.Cohort{models.CohortChildren}, set[0].LogicParameter.Cohorts)
	assert.Empty(t, set[0].LogicParameter.Thresholds)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"empty":           "  ",
		"only separators": ";;",
		"duplicate":       "diet; diet",
		"garbage":         "diet: calorie_intake ~ 3",
		"trailing":        "diet: calorie_intake > 3 or",
		"cohort":          "diet: calorie_intake > 3 for seniors",
		"timepoint":       "diet: calorie_intake > 3 at soon",
		"bad clause":      "12 diet",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}
