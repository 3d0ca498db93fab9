package filter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
)

func TestDecodeFilterSetFromUIState(t *testing.T) {
	payload := `[
		{
			"modality": "Anthropometric",
			"logicParameters": [{
				"id": 1712,
				"variables": ["bmi", {"name": "weight", "type": "number"}],
				"timepoints": ["all", 2, "3"],
				"thresholds": [
					{"variable": "bmi", "operator": "between", "value": "20", "value2": 25},
					{"variable": "", "operator": "", "value": "", "value2": ""}
				],
				"cohorts": ["adults", "children"]
			}]
		},
		{"modality": "diet", "logicParameters": []},
		{"modality": "genetic", "logicParameter": {"thresholds": [{"variable": {"name": "risk_score"}, "operator": ">", "value": 0.5}]}}
	]`

	var set FilterSet
	require.NoError(t, json.Unmarshal([]byte(payload), &set))
	require.Len(t, set, 3)

	anthro := set[0]
	assert.Equal(t, models.ModalityAnthropometric, anthro.Modality)
	require.NotNil(t, anthro.LogicParameter)
	lp := anthro.LogicParameter
	assert.Equal(t, []string{"bmi", "weight"}, lp.Variables)
	assert.Equal(t, []Timepoint{AllTimepoints, 2, 3}, lp.Timepoints)
	assert.True(t, lp.AllTimepoints())
	assert.Equal(t, []models.Cohort{models.CohortAdult, models.CohortChildren}, lp.Cohorts)
	require.Len(t, lp.Thresholds, 2)
	assert.True(t, lp.Thresholds[0].IsSet())
	assert.True(t, lp.Thresholds[0].HasUpper())
	assert.False(t, lp.Thresholds[1].IsSet())

	assert.Nil(t, set[1].LogicParameter)
	require.NotNil(t, set[2].LogicParameter)
	assert.Equal(t, "risk_score", set[2].LogicParameter.Thresholds[0].Variable)

	assert.NoError(t, Validate(set, nil))
}

func TestDecodeRejectsMultipleLogicParameters(t *testing.T) {
	var f Filter
	err := json.Unmarshal([]byte(`{"modality":"diet","logicParameters":[{},{}]}`), &f)
	assert.Error(t, err)
}

func TestTimepointJSON(t *testing.T) {
	out, err := json.Marshal([]Timepoint{AllTimepoints, 4})
	require.NoError(t, err)
	assert.JSONEq(t, `["all", 4]`, string(out))

	var tp Timepoint
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &tp))
	assert.Error(t, json.Unmarshal([]byte(`1.5`), &tp))
	assert.Error(t, json.Unmarshal([]byte(`-1`), &tp))

	require.NoError(t, json.Unmarshal([]byte(`0`), &tp))
	assert.False(t, tp.All())
	assert.Equal(t, Timepoint(0), tp)
	require.NoError(t, json.Unmarshal([]byte(`"0"`), &tp))
	assert.False(t, tp.All())
}

func TestValidateRejectsTimepointZero(t *testing.T) {
	set := NewBuilder().
		Timepoints(models.ModalityAnthropometric, 0, AllTimepoints, 2).
		Build()
	err := Validate(set, DefaultVocabulary())
	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidTimepoint)
	assert.Equal(t, "timepoints", errs[0].Field)
}

func TestBuilderIsCopyOnWrite(t *testing.T) {
	base := NewBuilder().
		Timepoints(models.ModalityAnthropometric, AllTimepoints).
		Threshold(models.ModalityAnthropometric, Compare("bmi", OpGt, 25))

	narrowed := base.Cohorts(models.ModalityAnthropometric, models.CohortChildren)
	extended := base.Threshold(models.ModalityAnthropometric, Compare("weight", OpLt, 90))

	baseSet := base.Build()
	require.Len(t, baseSet, 1)
	assert.Empty(t, baseSet[0].LogicParameter.Cohorts)
	assert.Len(t, baseSet[0].LogicParameter.Thresholds, 1)
	assert.Equal(t, []string{"bmi"}, baseSet[0].LogicParameter.Variables)

	assert.Equal(t, []models.Cohort{models.CohortChildren}, narrowed.Build()[0].LogicParameter.Cohorts)
	assert.Equal(t, []string{"bmi", "weight"}, extended.Build()[0].LogicParameter.Variables)

	// mutating a built set never leaks back
	baseSet[0].LogicParameter.Thresholds[0].Value = 99
	assert.Equal(t, 25, base.Build()[0].LogicParameter.Thresholds[0].Value)

	removed := extended.RemoveThreshold(models.ModalityAnthropometric, 0).Build()
	assert.Equal(t, "weight", removed[0].LogicParameter.Thresholds[0].Variable)
	assert.Len(t, extended.Build()[0].LogicParameter.Thresholds, 2)

	cleared := extended.ClearParameter(models.ModalityAnthropometric).Build()
	assert.Nil(t, cleared[0].LogicParameter)

	assert.Empty(t, extended.Remove(models.ModalityAnthropometric).Build())
}

func TestBuilderPreservesInsertionOrder(t *testing.T) {
	set := NewBuilder().
		Modality(models.ModalityGenetic).
		Modality(models.ModalityDiet).
		Modality(models.ModalityGenetic).
		Build()
	assert.Equal(t, []models.Modality{models.ModalityGenetic, models.ModalityDiet}, set.Modalities())
}

func TestValidateReportsPositions(t *testing.T) {
	set := FilterSet{
		{Modality: "lifestyle"},
		{Modality: models.ModalityDiet, LogicParameter: &LogicParameter{
			Variables:  []string{"calorie_intake", "bmi"},
			Timepoints: []Timepoint{-2},
			Cohorts:    []models.Cohort{"seniors"},
			Thresholds: []Threshold{
				Compare("calorie_intake", "~=", 3),
				{Variable: "calorie_intake", Operator: OpBetween, Value: 1},
				Between("calorie_intake", 3000, 1000),
			},
		}},
		{Modality: models.ModalityDiet},
	}
	err := Validate(set, DefaultVocabulary())
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	require.Len(t, errs, 7)

	assert.ErrorIs(t, errs[0], ErrUnknownModality)
	assert.Equal(t, 0, errs[0].FilterIndex)
	assert.ErrorIs(t, errs[1], ErrUnknownVariable)
	assert.ErrorIs(t, errs[2], ErrInvalidTimepoint)
	assert.ErrorIs(t, errs[3], ErrUnknownCohort)
	assert.ErrorIs(t, errs[4], ErrUnknownOperator)
	assert.Equal(t, 0, errs[4].ThresholdIndex)
	assert.ErrorIs(t, errs[5], ErrMissingUpper)
	assert.Equal(t, 1, errs[5].ThresholdIndex)
	assert.Equal(t, "value2", errs[5].Field)
	assert.ErrorIs(t, errs[6], ErrDuplicateModality)
	assert.Equal(t, 2, errs[6].FilterIndex)

	assert.Contains(t, errs[4].Error(), "filters[1] (diet).thresholds[0].operator")
	assert.Len(t, errs.Messages(), 7)
}

func TestLoadVocabulary(t *testing.T) {
	vocab, err := LoadVocabulary("")
	require.NoError(t, err)
	assert.True(t, vocab.Has(models.ModalityDemographic))

	path := filepath.Join(t.TempDir(), "vocab.yaml")
	content := `
timepoints: [1, 2]
modalities:
  - key: Sleep
    label: Sleep Data
    fields:
      - name: duration
      - name: quality
        type: string
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	vocab, err = LoadVocabulary(path)
	require.NoError(t, err)
	assert.True(t, vocab.Has("sleep"))
	assert.False(t, vocab.Has(models.ModalityDiet))

	field, ok := vocab.Field("sleep", "duration")
	require.True(t, ok)
	assert.Equal(t, FieldTypeNumber, field.Type)
	assert.Equal(t, "duration", field.Label)

	quality, _ := vocab.Field("sleep", "quality")
	assert.Equal(t, []Operator{OpEq, OpNotEq}, OperatorsFor(quality.Type))
	assert.Len(t, OperatorsFor(field.Type), 7)

	dup := filepath.Join(t.TempDir(), "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("modalities:\n  - key: a\n  - key: A\n"), 0o600))
	_, err = LoadVocabulary(dup)
	assert.Error(t, err)

	_, err = LoadVocabulary(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
