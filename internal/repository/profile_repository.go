package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pixelarcade/chat/internal/database"
	"github.com/pixelarcade/chat/internal/models"
)

const profileColumns = `id, display_name, role, is_suspended, ban_reason, ban_expires_at, created_at`

type ProfileRepository struct {
	db *database.DB
}

func NewProfileRepository(db *database.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func scanProfile(row rowScanner) (*models.Profile, error) {
	var (
		p       models.Profile
		reason  sql.NullString
		expires sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.DisplayName, &p.Role, &p.Ban.IsSuspended, &reason, &expires, &p.CreatedAt); err != nil {
		return nil, err
	}
	if reason.Valid {
		p.Ban.Reason = &reason.String
	}
	if expires.Valid {
		p.Ban.ExpiresAt = &expires.Time
	}
	return &p, nil
}

// EnsureProfile inserts p if absent and loads the stored row into p.
func (r *ProfileRepository) EnsureProfile(ctx context.Context, p *models.Profile) error {
	if p.Role == "" {
		p.Role = models.RoleUser
	}

	query := `
		INSERT INTO profiles (id, display_name, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, p.ID, p.DisplayName, p.Role); err != nil {
		return fmt.Errorf("failed to ensure profile: %w", err)
	}

	stored, err := r.GetProfile(ctx, p.ID)
	if err != nil {
		return err
	}
	*p = *stored
	return nil
}

// GetProfile retrieves a profile by ID
func (r *ProfileRepository) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`

	p, err := scanProfile(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// GetProfiles batch-loads profiles. Unknown ids are skipped.
func (r *ProfileRepository) GetProfiles(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	if len(ids) == 0 {
		return []models.Profile{}, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = ANY($1::uuid[])`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(strIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get profiles: %w", err)
	}
	defer rows.Close()

	res := []models.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		res = append(res, *p)
	}
	return res, rows.Err()
}

// SetBanState overwrites the suspension columns of a profile.
func (r *ProfileRepository) SetBanState(ctx context.Context, id uuid.UUID, state models.BanState) error {
	query := `
		UPDATE profiles
		SET is_suspended = $2, ban_reason = $3, ban_expires_at = $4
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, state.IsSuspended, state.Reason, state.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to update ban state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return nil
}
