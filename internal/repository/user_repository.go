package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"shield-backend/internal/models"
	"shield-backend/internal/types"
)

// UserRepository is the data access layer for accounts.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByWalletAddress(ctx context.Context, walletAddress string) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
	Update(ctx context.Context, user *models.User) error
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%w: wallet address %s already registered", types.ErrInvalidInput, user.WalletAddress)
		}
		return fmt.Errorf("%w: creating user: %v", types.ErrPersistence, err)
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s not found", types.ErrInvalidInput, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading user %s: %v", types.ErrPersistence, id, err)
	}
	return &user, nil
}

func (r *userRepository) GetByWalletAddress(ctx context.Context, walletAddress string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("wallet_address = ?", walletAddress).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no user with wallet address %s", types.ErrInvalidInput, walletAddress)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading user by wallet %s: %v", types.ErrPersistence, walletAddress, err)
	}
	return &user, nil
}

func (r *userRepository) List(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("%w: listing users: %v", types.ErrPersistence, err)
	}
	return users, nil
}

func (r *userRepository) Update(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Save(user).Error; err != nil {
		return fmt.Errorf("%w: updating user %s: %v", types.ErrPersistence, user.ID, err)
	}
	return nil
}
