package population

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/synaptica-ai/cohortfilter/pkg/common/logger"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type subjectModel struct {
	ID             string `gorm:"primaryKey;column:id"`
	Position       int64  `gorm:"column:position"`
	Name           string `gorm:"column:name"`
	Email          string `gorm:"column:email"`
	Age            int    `gorm:"column:age"`
	Gender         string `gorm:"column:gender"`
	Ethnicity      string `gorm:"column:ethnicity"`
	EducationLevel string `gorm:"column:education_level"`
	IncomeLevel    string `gorm:"column:income_level"`
	MaritalStatus  string `gorm:"column:marital_status"`
}

func (subjectModel) TableName() string { return "subjects" }

type measurementModel struct {
	ID        uuid.UUID      `gorm:"primaryKey;column:id"`
	SubjectID string         `gorm:"column:subject_id;index"`
	Modality  string         `gorm:"column:modality"`
	Timepoint int            `gorm:"column:time_point"`
	Fields    datatypes.JSON `gorm:"column:fields"`
}

func (measurementModel) TableName() string { return "subject_measurements" }

// Repository reads subjects and their repeated measures from PostgreSQL.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Load(ctx context.Context) ([]models.Subject, error) {
	var rows []subjectModel
	if err := r.db.WithContext(ctx).Order("position ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: load subjects: %v", ErrSourceUnavailable, err)
	}

	var measurements []measurementModel
	if err := r.db.WithContext(ctx).Order("subject_id, modality, time_point").Find(&measurements).Error; err != nil {
		return nil, fmt.Errorf("%w: load measurements: %v", ErrSourceUnavailable, err)
	}

	byID := make(map[string]int, len(rows))
	subjects := make([]models.Subject, 0, len(rows))
	for _, row := range rows {
		byID[row.ID] = len(subjects)
		subjects = append(subjects, rowToSubject(row))
	}

	skipped := 0
	for _, m := range measurements {
		idx, ok := byID[m.SubjectID]
		if !ok || m.Timepoint < 1 {
			skipped++
			continue
		}
		record := models.Record{}
		if len(m.Fields) > 0 {
			if err := json.Unmarshal(m.Fields, &record); err != nil {
				skipped++
				continue
			}
		}
		s := &subjects[idx]
		if s.Measures == nil {
			s.Measures = make(map[models.Modality]models.Timeline)
		}
		modality := models.Modality(strings.ToLower(m.Modality))
		if s.Measures[modality] == nil {
			s.Measures[modality] = models.Timeline{}
		}
		s.Measures[modality][m.Timepoint] = record
	}
	if skipped > 0 {
		logger.Log.WithField("skipped", skipped).Warn("Ignored unusable measurement rows")
	}

	logger.Log.WithFields(map[string]interface{}{
		"subjects":     len(subjects),
		"measurements": len(measurements),
	}).Debug("Population loaded from PostgreSQL")
	return subjects, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return nil
}

func rowToSubject(row subjectModel) models.Subject {
	s := models.Subject{
		ID:             row.ID,
		Name:           row.Name,
		Email:          row.Email,
		Age:            row.Age,
		Gender:         models.Gender(row.Gender),
		Ethnicity:      row.Ethnicity,
		EducationLevel: row.EducationLevel,
		IncomeLevel:    row.IncomeLevel,
		MaritalStatus:  row.MaritalStatus,
	}
	s.Normalize()
	return s
}
