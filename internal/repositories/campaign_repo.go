package repositories

import (
	"context"
	"errors"

	"givecycle/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CampaignRepository reads campaigns.
type CampaignRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
}

type campaignRepo struct {
	db DBTX
}

// NewCampaignRepo creates a CampaignRepository over db.
func NewCampaignRepo(db DBTX) CampaignRepository {
	return &campaignRepo{db: db}
}

func (r *campaignRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	campaign := &models.Campaign{}
	query := `
		SELECT id, code, name, active
		FROM campaigns
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(&campaign.ID, &campaign.Code, &campaign.Name, &campaign.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return campaign, nil
}
