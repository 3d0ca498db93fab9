package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrTemplateNotFound  = errors.New("cohort template not found")
	ErrTemplatesDisabled = errors.New("cohort templates are not configured")
)

// Template is a named, saved filter set.
type Template struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Filters     filter.FilterSet `json:"filters"`
	Tags        []string         `json:"tags,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// TemplateRequest is the body accepted when saving a template.
type TemplateRequest struct {
	Name        string           `json:"name" validate:"required,max=120"`
	Description string           `json:"description" validate:"max=1000"`
	Filters     filter.FilterSet `json:"filters" validate:"required_without=Expression"`
	Expression  string           `json:"expression" validate:"required_without=Filters,max=4000"`
	Tags        []string         `json:"tags" validate:"max=16,dive,required,max=40"`
}

type TemplateStore interface {
	List(ctx context.Context, limit int) ([]Template, error)
	Get(ctx context.Context, id string) (Template, error)
	Create(ctx context.Context, tmpl Template) (Template, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type templateModel struct {
	ID          uuid.UUID                   `gorm:"primaryKey;column:id"`
	Name        string                      `gorm:"column:name"`
	Description string                      `gorm:"column:description"`
	Filters     datatypes.JSON              `gorm:"column:filters"`
	Tags        datatypes.JSONSlice[string] `gorm:"column:tags"`
	CreatedAt   time.Time                   `gorm:"column:created_at"`
}

func (templateModel) TableName() string {
	return "cohort_templates"
}

type TemplateRepository struct {
	db *gorm.DB
}

func NewTemplateRepository(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

func (r *TemplateRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&templateModel{})
}

func (r *TemplateRepository) List(ctx context.Context, limit int) ([]Template, error) {
	if limit <= 0 {
		limit = 25
	}
	var rows []templateModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	templates := make([]Template, 0, len(rows))
	for i := range rows {
		tmpl, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		templates = append(templates, tmpl)
	}
	return templates, nil
}

func (r *TemplateRepository) Get(ctx context.Context, id string) (Template, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Template{}, ErrTemplateNotFound
	}
	var row templateModel
	result := r.db.WithContext(ctx).First(&row, "id = ?", parsed)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return Template{}, ErrTemplateNotFound
	}
	if result.Error != nil {
		return Template{}, result.Error
	}
	return row.toDomain()
}

func (r *TemplateRepository) Create(ctx context.Context, tmpl Template) (Template, error) {
	filters, err := json.Marshal(tmpl.Filters)
	if err != nil {
		return Template{}, fmt.Errorf("encode filters: %w", err)
	}
	row := templateModel{
		ID:          uuid.New(),
		Name:        tmpl.Name,
		Description: tmpl.Description,
		Filters:     datatypes.JSON(filters),
		Tags:        datatypes.JSONSlice[string](tmpl.Tags),
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Template{}, err
	}
	return row.toDomain()
}

func (m *templateModel) toDomain() (Template, error) {
	var filters filter.FilterSet
	if len(m.Filters) > 0 {
		if err := json.Unmarshal(m.Filters, &filters); err != nil {
			return Template{}, fmt.Errorf("decode template %s filters: %w", m.ID, err)
		}
	}
	return Template{
		ID:          m.ID.String(),
		Name:        m.Name,
		Description: m.Description,
		Filters:     filters,
		Tags:        []string(m.Tags),
		CreatedAt:   m.CreatedAt,
	}, nil
}

// SaveTemplate checks a template request and stores it. A bad request fails
// with validator.ValidationErrors or filter.ValidationErrors.
func (s *Service) SaveTemplate(ctx context.Context, req TemplateRequest) (Template, error) {
	if s.templates == nil {
		return Template{}, ErrTemplatesDisabled
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.StructCtx(ctx, req); err != nil {
		return Template{}, err
	}
	set, err := s.Resolve(QueryRequest{Filters: req.Filters, Expression: req.Expression})
	if err != nil {
		return Template{}, err
	}
	if err := s.Validate(set); err != nil {
		return Template{}, err
	}
	return s.templates.Create(ctx, Template{
		Name:        req.Name,
		Description: req.Description,
		Filters:     set,
		Tags:        req.Tags,
	})
}

func (s *Service) ListTemplates(ctx context.Context, limit int) ([]Template, error) {
	if s.templates == nil {
		return nil, ErrTemplatesDisabled
	}
	return s.templates.List(ctx, limit)
}

func (s *Service) GetTemplate(ctx context.Context, id string) (Template, error) {
	if s.templates == nil {
		return Template{}, ErrTemplatesDisabled
	}
	return s.templates.Get(ctx, id)
}

// RunTemplate evaluates a saved template with the given output options.
func (s *Service) RunTemplate(ctx context.Context, id string, opts QueryRequest) (models.QueryResponse, error) {
	tmpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		return models.QueryResponse{}, err
	}
	opts.Filters = tmpl.Filters
	opts.Expression = ""
	return s.Execute(ctx, opts)
}
