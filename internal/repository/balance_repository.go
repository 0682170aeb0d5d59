package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"shield-backend/internal/metrics"
	"shield-backend/internal/models"
	"shield-backend/internal/types"
)

// BalanceRepository is the data access layer over the shielded ledger.
// Mutations go through version-checked updates: a balance row carries an
// optimistic-lock version, and a stale write surfaces ErrConcurrentModification
// so the caller can re-read and re-run the whole spend pipeline.
type BalanceRepository interface {
	Create(ctx context.Context, balance *models.Balance) error
	GetByID(ctx context.Context, id string) (*models.Balance, error)
	FindByUser(ctx context.Context, userID string) ([]*models.Balance, error)
	List(ctx context.Context) ([]*models.Balance, error)

	// ApplyTransfer persists the outcome of a confirmed transfer as a single
	// atomic unit: version-checked source update (amount decrement,
	// transfersDone increment, new proof bundle), recipient balance creation,
	// and the audit row.
	ApplyTransfer(ctx context.Context, source *models.Balance, recipient *models.Balance, audit *models.Transaction) error

	// ApplyUnshield marks the record terminal and writes the audit row.
	ApplyUnshield(ctx context.Context, balance *models.Balance, audit *models.Transaction) error
}

type balanceRepository struct {
	db *gorm.DB
}

// NewBalanceRepository creates a new BalanceRepository instance
func NewBalanceRepository(db *gorm.DB) BalanceRepository {
	return &balanceRepository{db: db}
}

func (r *balanceRepository) Create(ctx context.Context, balance *models.Balance) error {
	if err := r.db.WithContext(ctx).Create(balance).Error; err != nil {
		return fmt.Errorf("%w: creating balance: %v", types.ErrPersistence, err)
	}
	return nil
}

func (r *balanceRepository) GetByID(ctx context.Context, id string) (*models.Balance, error) {
	var balance models.Balance
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: balance %s not found", types.ErrInvalidInput, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading balance %s: %v", types.ErrPersistence, id, err)
	}
	return &balance, nil
}

func (r *balanceRepository) FindByUser(ctx context.Context, userID string) ([]*models.Balance, error) {
	var balances []*models.Balance
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&balances).Error
	if err != nil {
		return nil, fmt.Errorf("%w: listing balances for user %s: %v", types.ErrPersistence, userID, err)
	}
	return balances, nil
}

func (r *balanceRepository) List(ctx context.Context) ([]*models.Balance, error) {
	var balances []*models.Balance
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&balances).Error
	if err != nil {
		return nil, fmt.Errorf("%w: listing balances: %v", types.ErrPersistence, err)
	}
	return balances, nil
}

// updateChecked writes the full record guarded by the optimistic version.
// The version bump and the WHERE clause together guarantee at most one
// writer wins between any read and write of the same record.
func updateChecked(tx *gorm.DB, balance *models.Balance) error {
	previous := balance.Version
	balance.Version = previous + 1

	result := tx.Model(&models.Balance{}).
		Where("id = ? AND version = ?", balance.ID, previous).
		Select("amount", "transfers_done", "unshielded", "transfer_proof_data", "unshield_data", "version", "updated_at").
		Updates(balance)
	if result.Error != nil {
		balance.Version = previous
		return fmt.Errorf("%w: updating balance %s: %v", types.ErrPersistence, balance.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		balance.Version = previous
		metrics.ConcurrentModifications.Inc()
		return fmt.Errorf("%w: balance %s version %d", types.ErrConcurrentModification, balance.ID, previous)
	}
	return nil
}

func (r *balanceRepository) ApplyTransfer(ctx context.Context, source *models.Balance, recipient *models.Balance, audit *models.Transaction) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateChecked(tx, source); err != nil {
			return err
		}
		if err := tx.Create(recipient).Error; err != nil {
			return fmt.Errorf("%w: creating recipient balance: %v", types.ErrPersistence, err)
		}
		if err := tx.Create(audit).Error; err != nil {
			return fmt.Errorf("%w: creating transfer audit row: %v", types.ErrPersistence, err)
		}
		return nil
	})
	return err
}

func (r *balanceRepository) ApplyUnshield(ctx context.Context, balance *models.Balance, audit *models.Transaction) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateChecked(tx, balance); err != nil {
			return err
		}
		if err := tx.Create(audit).Error; err != nil {
			return fmt.Errorf("%w: creating unshield audit row: %v", types.ErrPersistence, err)
		}
		return nil
	})
	return err
}
