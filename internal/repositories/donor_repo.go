package repositories

import (
	"context"
	"errors"

	"givecycle/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DonorRepository reads donors.
type DonorRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Donor, error)
	GetByEmail(ctx context.Context, email string) (*models.Donor, error)
}

type donorRepo struct {
	db DBTX
}

// NewDonorRepo creates a DonorRepository over db.
func NewDonorRepo(db DBTX) DonorRepository {
	return &donorRepo{db: db}
}

func (r *donorRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Donor, error) {
	donor := &models.Donor{}
	query := `
		SELECT id, email, full_name, created_at
		FROM donors
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(&donor.ID, &donor.Email, &donor.FullName, &donor.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return donor, nil
}

// GetByEmail matches case-insensitively.
func (r *donorRepo) GetByEmail(ctx context.Context, email string) (*models.Donor, error) {
	donor := &models.Donor{}
	query := `
		SELECT id, email, full_name, created_at
		FROM donors
		WHERE lower(email) = lower($1)
	`
	err := r.db.QueryRow(ctx, query, email).Scan(&donor.ID, &donor.Email, &donor.FullName, &donor.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return donor, nil
}
