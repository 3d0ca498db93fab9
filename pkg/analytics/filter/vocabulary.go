package filter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
	"gopkg.in/yaml.v3"
)

const (
	FieldTypeNumber = "number"
	FieldTypeString = "string"
)

type Field struct {
	Name  string `yaml:"name" json:"name"`
	Label string `yaml:"label" json:"label"`
	Type  string `yaml:"type" json:"type"`
}

type ModalitySpec struct {
	Key         models.Modality `yaml:"key" json:"key"`
	Label       string          `yaml:"label" json:"label"`
	Description string          `yaml:"description" json:"description"`
	Fields      []Field         `yaml:"fields" json:"fields"`
}

// Vocabulary is the catalog of modalities and the fields each one carries.
type Vocabulary struct {
	Timepoints []int          `yaml:"timepoints" json:"timepoints"`
	Modalities []ModalitySpec `yaml:"modalities" json:"modalities"`

	index map[models.Modality]map[string]Field
}

// LoadVocabulary reads a YAML catalog. An empty path yields the defaults.
func LoadVocabulary(path string) (*Vocabulary, error) {
	if path == "" {
		return DefaultVocabulary(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultVocabulary(), err
	}

	var vocab Vocabulary
	if err := yaml.Unmarshal(content, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocabulary %s: %w", path, err)
	}
	if len(vocab.Modalities) == 0 {
		return nil, errors.New("no modalities configured")
	}
	if err := vocab.build(); err != nil {
		return nil, err
	}
	return &vocab, nil
}

func (v *Vocabulary) build() error {
	v.index = make(map[models.Modality]map[string]Field, len(v.Modalities))
	for i := range v.Modalities {
		spec := &v.Modalities[i]
		spec.Key = models.Modality(strings.ToLower(strings.TrimSpace(string(spec.Key))))
		if spec.Key == "" {
			return fmt.Errorf("modality %d has no key", i)
		}
		if _, dup := v.index[spec.Key]; dup {
			return fmt.Errorf("modality %q declared twice", spec.Key)
		}
		fields := make(map[string]Field, len(spec.Fields))
		for j := range spec.Fields {
			field := &spec.Fields[j]
			if field.Type == "" {
				field.Type = FieldTypeNumber
			}
			if field.Label == "" {
				field.Label = field.Name
			}
			fields[field.Name] = *field
		}
		v.index[spec.Key] = fields
	}
	return nil
}

func (v *Vocabulary) Has(m models.Modality) bool {
	_, ok := v.index[m]
	return ok
}

// Field looks up a field of a modality.
func (v *Vocabulary) Field(m models.Modality, name string) (Field, bool) {
	fields, ok := v.index[m]
	if !ok {
		return Field{}, false
	}
	f, ok := fields[name]
	return f, ok
}

func (v *Vocabulary) Spec(m models.Modality) (ModalitySpec, bool) {
	for _, spec := range v.Modalities {
		if spec.Key == m {
			return spec, true
		}
	}
	return ModalitySpec{}, false
}

// OperatorsFor lists the operators offered for a field type. Range and
// ordering operators only make sense on numbers.
func OperatorsFor(fieldType string) []Operator {
	if fieldType == FieldTypeNumber {
		return Operators()
	}
	return []Operator{OpEq, OpNotEq}
}

func DefaultVocabulary() *Vocabulary {
	num := func(name, label string) Field { return Field{Name: name, Label: label, Type: FieldTypeNumber} }
	str := func(name, label string) Field { return Field{Name: name, Label: label, Type: FieldTypeString} }

	vocab := &Vocabulary{
		Timepoints: []int{1, 2, 3, 4, 5, 6},
		Modalities: []ModalitySpec{
			{
				Key:         models.ModalityDiet,
				Label:       "Diet Data",
				Description: "Nutritional intake and dietary patterns",
				Fields: []Field{
					num("calorie_intake", "Calorie Intake"),
					num("protein_intake", "Protein Intake"),
					num("carbohydrate_intake", "Carbohydrate Intake"),
					num("fat_intake", "Fat Intake"),
					num("fiber_intake", "Fiber Intake"),
					num("sugar_intake", "Sugar Intake"),
				},
			},
			{
				Key:         models.ModalityGenetic,
				Label:       "Genetic Data",
				Description: "Genetic markers and variants",
				Fields: []Field{
					str("gene_variant_1", "Gene Variant 1"),
					str("gene_variant_2", "Gene Variant 2"),
					num("risk_score", "Risk Score"),
					num("polygenic_score", "Polygenic Score"),
				},
			},
			{
				Key:         models.ModalityAnthropometric,
				Label:       "Anthropometric Data",
				Description: "Physical measurements and body composition",
				Fields: []Field{
					num("height", "Height"),
					num("weight", "Weight"),
					num("bmi", "BMI"),
					num("body_fat_percentage", "Body Fat Percentage"),
					num("muscle_mass", "Muscle Mass"),
					num("waist_circumference", "Waist Circumference"),
				},
			},
			{
				Key:         models.ModalityDemographic,
				Label:       "Demographic Data",
				Description: "Personal and demographic information",
				Fields: []Field{
					num("age", "Age"),
					str("gender", "Gender"),
					str("ethnicity", "Ethnicity"),
					str("education_level", "Education Level"),
					str("income_level", "Income Level"),
					str("marital_status", "Marital Status"),
				},
			},
		},
	}
	// defaults are well formed
	_ = vocab.build()
	return vocab
}
