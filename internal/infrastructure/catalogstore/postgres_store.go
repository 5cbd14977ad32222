package catalogstore

import (
	"context"
	"errors"
	"time"

	"github.com/example/farmlink-orders/internal/domain/catalog"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type productRow struct {
	ID                string          `gorm:"primaryKey"`
	OwnerID           string          `gorm:"index;not null"`
	Name              string          `gorm:"not null"`
	Price             decimal.Decimal `gorm:"type:numeric;not null"`
	AvailableQuantity int             `gorm:"not null"`
	Version           int64           `gorm:"not null"`
	Delisted          bool            `gorm:"not null;default:false"`
	CreatedAt         time.Time       `gorm:"autoCreateTime:false"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime:false"`
}

func (productRow) TableName() string { return "catalog_products" }

func toRow(p catalog.Product) productRow {
	return productRow{
		ID:                p.ID,
		OwnerID:           p.OwnerID,
		Name:              p.Name,
		Price:             p.Price,
		AvailableQuantity: p.AvailableQuantity,
		Version:           p.Version,
		Delisted:          p.Delisted,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func (r productRow) toProduct() catalog.Product {
	return catalog.Product{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		Name:              r.Name,
		Price:             r.Price,
		AvailableQuantity: r.AvailableQuantity,
		Version:           r.Version,
		Delisted:          r.Delisted,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

// PostgresStore is a catalog.Store backed by gorm.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects with duplicate-key errors translated to gorm.ErrDuplicatedKey.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

// Migrate creates or updates the catalog table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&productRow{})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (catalog.Product, error) {
	var row productRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return catalog.Product{}, catalog.ErrProductNotFound
	}
	if err != nil {
		return catalog.Product{}, err
	}
	return row.toProduct(), nil
}

func (s *PostgresStore) List(ctx context.Context) ([]catalog.Product, error) {
	var rows []productRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]catalog.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toProduct())
	}
	return out, nil
}

func (s *PostgresStore) Insert(ctx context.Context, p catalog.Product) (catalog.Product, error) {
	p.Version = 1
	row := toRow(p)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return catalog.Product{}, catalog.ErrProductExists
	}
	if err != nil {
		return catalog.Product{}, err
	}
	return p, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, next catalog.Product, expectedVersion int64) (catalog.Product, error) {
	next.Version = expectedVersion + 1
	tx := s.db.WithContext(ctx).Model(&productRow{}).
		Where("id = ? AND version = ?", next.ID, expectedVersion).
		Updates(map[string]any{
			"owner_id":           next.OwnerID,
			"name":               next.Name,
			"price":              next.Price,
			"available_quantity": next.AvailableQuantity,
			"version":            next.Version,
			"delisted":           next.Delisted,
			"updated_at":         next.UpdatedAt,
		})
	if tx.Error != nil {
		return catalog.Product{}, tx.Error
	}
	if tx.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&productRow{}).Where("id = ?", next.ID).Count(&count).Error; err != nil {
			return catalog.Product{}, err
		}
		if count == 0 {
			return catalog.Product{}, catalog.ErrProductNotFound
		}
		return catalog.Product{}, catalog.ErrVersionConflict
	}
	return next, nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	tx := s.db.WithContext(ctx).Delete(&productRow{}, "id = ?", id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return catalog.ErrProductNotFound
	}
	return nil
}

func (s *PostgresStore) Restore(ctx context.Context, p catalog.Product) error {
	row := toRow(p)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}
