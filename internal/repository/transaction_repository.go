package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"shield-backend/internal/models"
	"shield-backend/internal/types"
)

// TransactionRepository reads the audit log. Writes happen inside
// BalanceRepository's atomic units; shield audits are the one exception
// because a shield creates rather than mutates.
type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	FindByUser(ctx context.Context, userID string) ([]*models.Transaction, error)
	List(ctx context.Context) ([]*models.Transaction, error)
}

type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new TransactionRepository instance
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("%w: creating transaction audit row: %v", types.ErrPersistence, err)
	}
	return nil
}

func (r *transactionRepository) FindByUser(ctx context.Context, userID string) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	err := r.db.WithContext(ctx).
		Where("from_user_id = ? OR to_user_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: listing transactions for user %s: %v", types.ErrPersistence, userID, err)
	}
	return txs, nil
}

func (r *transactionRepository) List(ctx context.Context) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("%w: listing transactions: %v", types.ErrPersistence, err)
	}
	return txs, nil
}
