package ledger

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openpool/poolex/internal/trading/model"
)

// GormRepository persists trades through GORM. SQLite backs tests and local
// runs, Postgres production; both go through the same upsert path so a
// retried write-through after a crash converges on the same row.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository migrates the trades table and returns the repository.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&model.Trade{}); err != nil {
		return nil, fmt.Errorf("migrate trades: %w", err)
	}
	return &GormRepository{db: db}, nil
}

// SaveTrade upserts the freshly recorded trade.
func (r *GormRepository) SaveTrade(ctx context.Context, trade *model.Trade) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(trade).Error
}

// UpdateTrade persists a settlement-state change; it upserts so a row whose
// original write-through failed is recovered here.
func (r *GormRepository) UpdateTrade(ctx context.Context, trade *model.Trade) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(trade).Error
}
