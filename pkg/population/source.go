// Package population supplies the subject records the engine evaluates.
// Everything here is read-only towards the underlying store.
package population

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
)

var ErrSourceUnavailable = errors.New("population source unavailable")

// Source loads the full population in a stable order.
type Source interface {
	Load(ctx context.Context) ([]models.Subject, error)
	Ping(ctx context.Context) error
}

// StaticSource serves a fixed, in-memory population.
type StaticSource struct {
	subjects []models.Subject
}

func NewStaticSource(subjects []models.Subject) *StaticSource {
	out := make([]models.Subject, len(subjects))
	copy(out, subjects)
	for i := range out {
		out[i].Normalize()
	}
	return &StaticSource{subjects: out}
}

func (s *StaticSource) Load(ctx context.Context) ([]models.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Subject, len(s.subjects))
	copy(out, s.subjects)
	return out, nil
}

func (s *StaticSource) Ping(ctx context.Context) error {
	return ctx.Err()
}

// FileSource reads a JSON array of subjects on every load.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: filepath.Clean(path)}
}

func (f *FileSource) Load(ctx context.Context) ([]models.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	var subjects []models.Subject
	if err := json.Unmarshal(content, &subjects); err != nil {
		return nil, fmt.Errorf("decode population file %s: %w", f.path, err)
	}
	seen := make(map[string]struct{}, len(subjects))
	for i := range subjects {
		if subjects[i].ID == "" {
			return nil, fmt.Errorf("population file %s: subject %d has no id", f.path, i)
		}
		if _, dup := seen[subjects[i].ID]; dup {
			return nil, fmt.Errorf("population file %s: duplicate subject id %q", f.path, subjects[i].ID)
		}
		seen[subjects[i].ID] = struct{}{}
		subjects[i].Normalize()
	}
	return subjects, nil
}

func (f *FileSource) Ping(ctx context.Context) error {
	if _, err := os.Stat(f.path); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return ctx.Err()
}
