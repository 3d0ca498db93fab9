package population

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func mockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	return NewRepository(gdb), mock
}

func TestRepositoryLoad(t *testing.T) {
	repo, mock := mockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "subjects" ORDER BY position ASC, id ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "position", "name", "email", "age", "gender", "ethnicity", "education_level", "income_level", "marital_status"}).
			AddRow("s-1", 1, "John Doe", "john@example.com", 35, "male", "", "", "", "Married").
			AddRow("s-2", 2, "Kid", "", 9, "F", "", "", "", ""))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "subject_measurements" ORDER BY subject_id, modality, time_point`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "modality", "time_point", "fields"}).
			AddRow("0b0c6f5e-6c5e-4d8b-9d55-2b6a2f0e8c01", "s-1", "Anthropometric", 3, []byte(`{"bmi": 27.4}`)).
			AddRow("0b0c6f5e-6c5e-4d8b-9d55-2b6a2f0e8c02", "s-2", "diet", 1, []byte(`{"calorie_intake": 1500}`)).
			AddRow("0b0c6f5e-6c5e-4d8b-9d55-2b6a2f0e8c03", "ghost", "diet", 1, []byte(`{}`)).
			AddRow("0b0c6f5e-6c5e-4d8b-9d55-2b6a2f0e8c04", "s-2", "diet", 2, []byte(`not json`)))

	subjects, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, subjects, 2)

	assert.Equal(t, "s-1", subjects[0].ID)
	assert.Equal(t, models.GenderMale, subjects[0].Gender)
	assert.Equal(t, models.CohortChildren, subjects[1].Cohort())
	assert.Equal(t, models.GenderFemale, subjects[1].Gender)

	timeline, ok := subjects[0].Timeline(models.ModalityAnthropometric)
	require.True(t, ok)
	rec, ok := timeline.At(3)
	require.True(t, ok)
	assert.Equal(t, 27.4, rec["bmi"])

	diet, ok := subjects[1].Timeline(models.ModalityDiet)
	require.True(t, ok)
	assert.Equal(t, []int{1}, diet.Points())
}

func TestRepositoryLoadFailure(t *testing.T) {
	repo, mock := mockRepository(t)
	mock.ExpectQuery(`FROM "subjects"`).WillReturnError(assert.AnError)

	_, err := repo.Load(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestRepositoryPing(t *testing.T) {
	repo, mock := mockRepository(t)
	mock.ExpectPing()
	assert.NoError(t, repo.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(assert.AnError)
	assert.ErrorIs(t, repo.Ping(context.Background()), ErrSourceUnavailable)
}
