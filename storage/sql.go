package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raykavin/pricewatch/core"
	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// SQLStorage implements the core.Storage interface using a SQL database via GORM
type SQLStorage struct {
	db *gorm.DB
}

// Config holds the configuration for SQL database connections
type Config struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default configuration for SQL connections
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:    5,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// NewFromSQLite creates a new SQLite storage instance
func NewFromSQLite(dbPath string, config Config, opts ...gorm.Option) (*SQLStorage, error) {
	return newFromSQL(sqlite.Open(dbPath), config, opts...)
}

// NewFromPostgres creates a new PostgreSQL storage instance
func NewFromPostgres(dsn string, config Config, opts ...gorm.Option) (*SQLStorage, error) {
	return newFromSQL(postgres.Open(dsn), config, opts...)
}

// newFromSQL creates a new SQL storage instance with the specified configuration
func newFromSQL(dialect gorm.Dialector, config Config, opts ...gorm.Option) (*SQLStorage, error) {
	// TranslateError maps driver-specific unique violations to gorm.ErrDuplicatedKey
	opts = append([]gorm.Option{&gorm.Config{TranslateError: true}}, opts...)

	db, err := gorm.Open(dialect, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err = db.AutoMigrate(&core.User{}, &core.Subscription{}, &core.DeliveryAttempt{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLStorage{db: db}, nil
}

// CreateUser creates a new user
func (s *SQLStorage) CreateUser(ctx context.Context, user *core.User) error {
	if result := s.db.WithContext(ctx).Create(user); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %q", core.ErrDuplicateUser, user.Username)
		}
		return fmt.Errorf("failed to create user: %w", result.Error)
	}
	return nil
}

// User retrieves a user by id
func (s *SQLStorage) User(ctx context.Context, id int64) (*core.User, error) {
	var user core.User
	result := s.db.WithContext(ctx).First(&user, id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, core.ErrUserNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", result.Error)
	}
	return &user, nil
}

// UserByName retrieves a user by username
func (s *SQLStorage) UserByName(ctx context.Context, username string) (*core.User, error) {
	var user core.User
	result := s.db.WithContext(ctx).Where("username = ?", username).First(&user)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, core.ErrUserNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", result.Error)
	}
	return &user, nil
}

// CreateSubscription creates a new subscription, enforcing the uniqueness of
// active (user, symbol, condition) tuples inside a transaction
func (s *SQLStorage) CreateSubscription(ctx context.Context, sub *core.Subscription) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		result := tx.Model(&core.Subscription{}).
			Where("user_id = ? AND symbol = ? AND op = ? AND threshold = ? AND enabled",
				sub.UserID, sub.Symbol, string(sub.Condition.Op), sub.Condition.Threshold).
			Count(&count)
		if result.Error != nil {
			return fmt.Errorf("failed to check for duplicates: %w", result.Error)
		}
		if count > 0 {
			return core.ErrDuplicateSubscription
		}

		if result := tx.Create(sub); result.Error != nil {
			return fmt.Errorf("failed to create subscription: %w", result.Error)
		}
		return nil
	})
}

// UpdateSubscription updates an existing subscription
func (s *SQLStorage) UpdateSubscription(ctx context.Context, sub *core.Subscription) error {
	tx := s.db.WithContext(ctx)

	var existing core.Subscription
	if result := tx.First(&existing, sub.ID); result.Error != nil {
		return core.ErrSubscriptionNotFound
	}

	if result := tx.Save(sub); result.Error != nil {
		return fmt.Errorf("failed to update subscription: %w", result.Error)
	}

	return nil
}

// DisableSubscription disables a subscription and records the reason
func (s *SQLStorage) DisableSubscription(ctx context.Context, id int64, reason string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]any{"enabled": false, "disabled_reason": reason})

	if result.Error != nil {
		return fmt.Errorf("failed to disable subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return core.ErrSubscriptionNotFound
	}

	return nil
}

// Subscriptions retrieves subscriptions matching all filters, ordered by user
// id then symbol
func (s *SQLStorage) Subscriptions(ctx context.Context, filters ...core.SubscriptionFilter) ([]*core.Subscription, error) {
	var subs []*core.Subscription
	result := s.db.WithContext(ctx).Order("user_id, symbol").Find(&subs)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to fetch subscriptions: %w", result.Error)
	}

	if len(filters) > 0 {
		subs = lo.Filter(subs, func(sub *core.Subscription, _ int) bool {
			for _, filter := range filters {
				if !filter(*sub) {
					return false
				}
			}
			return true
		})
	}

	return subs, nil
}

// SaveAttempt creates or updates a delivery attempt record
func (s *SQLStorage) SaveAttempt(ctx context.Context, attempt *core.DeliveryAttempt) error {
	if result := s.db.WithContext(ctx).Save(attempt); result.Error != nil {
		return fmt.Errorf("failed to save attempt: %w", result.Error)
	}
	return nil
}

// ClearAttempt removes all delivery attempts for a subscription
func (s *SQLStorage) ClearAttempt(ctx context.Context, subscriptionID int64) error {
	result := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Delete(&core.DeliveryAttempt{})

	if result.Error != nil {
		return fmt.Errorf("failed to clear attempts: %w", result.Error)
	}

	return nil
}

// Attempts retrieves delivery attempts matching all filters
func (s *SQLStorage) Attempts(ctx context.Context, filters ...core.AttemptFilter) ([]*core.DeliveryAttempt, error) {
	var attempts []*core.DeliveryAttempt
	result := s.db.WithContext(ctx).Order("id").Find(&attempts)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to fetch attempts: %w", result.Error)
	}

	if len(filters) > 0 {
		attempts = lo.Filter(attempts, func(attempt *core.DeliveryAttempt, _ int) bool {
			for _, filter := range filters {
				if !filter(*attempt) {
					return false
				}
			}
			return true
		})
	}

	return attempts, nil
}

// Close closes the database connection
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}
