package database

import (
	"context"

	"github.com/medgrid/vitalwatch/internal/models"
)

// ProfileStore is the profile store adapter surface the reconciler
// depends on. GetBySubject returns (nil, nil) when no profile exists:
// absence is a normal outcome, not an error.
type ProfileStore interface {
	GetBySubject(ctx context.Context, subjectID string) (*models.Profile, error)
	Create(ctx context.Context, subjectID, email string) (*models.Profile, error)
	Update(ctx context.Context, subjectID string, update models.ProfileUpdate) (*models.Profile, error)
}

// PredictionStore persists and lists append-only prediction records.
type PredictionStore interface {
	Insert(ctx context.Context, record *models.PredictionRecord) error
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]*models.PredictionRecord, error)
}

// Ensure concrete types implement the interfaces
var (
	_ ProfileStore    = (*ProfileRepository)(nil)
	_ PredictionStore = (*PredictionRepository)(nil)
)
