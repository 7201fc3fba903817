package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/medgrid/vitalwatch/internal/models"
	"github.com/medgrid/vitalwatch/internal/userhash"
)

// ProfileRepository handles profile database operations
type ProfileRepository struct {
	db *DB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetBySubject retrieves a profile by subject id. A missing row is
// normalized to (nil, nil); callers never see the driver's not-found
// signaling.
func (r *ProfileRepository) GetBySubject(ctx context.Context, subjectID string) (*models.Profile, error) {
	profile := &models.Profile{}
	query := `
		SELECT id, subject_id, email, userhash, name, phone, organization, created_at, updated_at
		FROM profiles
		WHERE subject_id = $1
	`

	err := r.db.QueryRowContext(ctx, query, subjectID).Scan(
		&profile.ID,
		&profile.SubjectID,
		&profile.Email,
		&profile.Userhash,
		&profile.Name,
		&profile.Phone,
		&profile.Organization,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return profile, nil
}

// Create inserts the profile row for a subject, deriving the avatar seed
// from (subjectID, email). SubjectID is unique; a second insert for the
// same subject fails at the database.
func (r *ProfileRepository) Create(ctx context.Context, subjectID, email string) (*models.Profile, error) {
	profile := &models.Profile{
		ID:        uuid.New(),
		SubjectID: subjectID,
		Email:     email,
		Userhash:  userhash.Generate(subjectID, email),
	}

	query := `
		INSERT INTO profiles (id, subject_id, email, userhash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	now := time.Now()
	err := r.db.QueryRowContext(ctx, query,
		profile.ID,
		profile.SubjectID,
		profile.Email,
		profile.Userhash,
		now,
		now,
	).Scan(&profile.CreatedAt, &profile.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	return profile, nil
}

// Update applies the non-nil fields of update to the subject's profile and
// returns the updated row. Subject id, email and userhash are immutable.
func (r *ProfileRepository) Update(ctx context.Context, subjectID string, update models.ProfileUpdate) (*models.Profile, error) {
	profile := &models.Profile{}
	query := `
		UPDATE profiles
		SET name = COALESCE($2, name),
		    phone = COALESCE($3, phone),
		    organization = COALESCE($4, organization),
		    updated_at = $5
		WHERE subject_id = $1
		RETURNING id, subject_id, email, userhash, name, phone, organization, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		subjectID,
		update.Name,
		update.Phone,
		update.Organization,
		time.Now(),
	).Scan(
		&profile.ID,
		&profile.SubjectID,
		&profile.Email,
		&profile.Userhash,
		&profile.Name,
		&profile.Phone,
		&profile.Organization,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile not found for subject %s", subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	return profile, nil
}
