// Package storage provides durable implementations of core.Storage
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/raykavin/pricewatch/core"
	"github.com/samber/lo"
	"github.com/tidwall/buntdb"
)

// Key prefixes and index names
const (
	userPrefix    = "user:"
	subPrefix     = "sub:"
	attemptPrefix = "attempt:"

	userIndex    = "users"
	subIndex     = "subscriptions"
	attemptIndex = "attempts"
)

// BuntStorage implements the core.Storage interface using BuntDB
type BuntStorage struct {
	lastUserID    int64
	lastSubID     int64
	lastAttemptID int64
	db            *buntdb.DB
}

// BuntConfig holds configuration options for BuntDB
type BuntConfig struct {
	// SyncPolicy determines how often data is synchronized to disk
	SyncPolicy buntdb.SyncPolicy
}

// DefaultBuntConfig returns the default configuration for BuntDB
func DefaultBuntConfig() BuntConfig {
	return BuntConfig{SyncPolicy: buntdb.EverySecond}
}

// NewFromMemory creates an in-memory storage with default configuration
func NewFromMemory() (*BuntStorage, error) {
	return NewBuntStorage(":memory:", DefaultBuntConfig())
}

// NewFromFile creates a file-based storage with default configuration
func NewFromFile(file string) (*BuntStorage, error) {
	return NewBuntStorage(file, DefaultBuntConfig())
}

// NewBuntStorage creates a new BuntDB storage instance with the specified configuration
func NewBuntStorage(sourceFile string, config BuntConfig) (*BuntStorage, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	if err := db.SetConfig(buntdb.Config{
		SyncPolicy: config.SyncPolicy,
	}); err != nil {
		return nil, fmt.Errorf("failed to configure buntdb: %w", err)
	}

	indexes := map[string]string{
		userIndex:    userPrefix + "*",
		subIndex:     subPrefix + "*",
		attemptIndex: attemptPrefix + "*",
	}

	for name, pattern := range indexes {
		if err := db.CreateIndex(name, pattern, buntdb.IndexJSON("id")); err != nil {
			return nil, fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}

	storage := &BuntStorage{db: db}
	if err := storage.loadCounters(); err != nil {
		return nil, err
	}

	return storage, nil
}

// loadCounters restores the id counters from persisted records so ids never
// collide after a restart
func (b *BuntStorage) loadCounters() error {
	return b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("*", func(key, value string) bool {
			parts := strings.SplitN(key, ":", 2)
			if len(parts) != 2 {
				return true
			}

			id, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return true
			}

			switch parts[0] + ":" {
			case userPrefix:
				if id > b.lastUserID {
					b.lastUserID = id
				}
			case subPrefix:
				if id > b.lastSubID {
					b.lastSubID = id
				}
			case attemptPrefix:
				if id > b.lastAttemptID {
					b.lastAttemptID = id
				}
			}
			return true
		})
	})
}

func userKey(id int64) string    { return userPrefix + strconv.FormatInt(id, 10) }
func subKey(id int64) string     { return subPrefix + strconv.FormatInt(id, 10) }
func attemptKey(id int64) string { return attemptPrefix + strconv.FormatInt(id, 10) }

// CreateUser stores a new user in the database
func (b *BuntStorage) CreateUser(_ context.Context, user *core.User) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		var duplicate bool
		err := tx.Ascend(userIndex, func(key, value string) bool {
			var existing core.User
			if err := json.Unmarshal([]byte(value), &existing); err != nil {
				return true
			}
			if existing.Username == user.Username {
				duplicate = true
				return false
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to iterate over users: %w", err)
		}

		if duplicate {
			return fmt.Errorf("%w: %q", core.ErrDuplicateUser, user.Username)
		}

		if user.ID == 0 {
			user.ID = atomic.AddInt64(&b.lastUserID, 1)
		}
		if user.CreatedAt.IsZero() {
			user.CreatedAt = time.Now()
		}

		return b.set(tx, userKey(user.ID), user)
	})
}

// User retrieves a user by id
func (b *BuntStorage) User(_ context.Context, id int64) (*core.User, error) {
	var user core.User
	err := b.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(userKey(id))
		if err != nil {
			return core.ErrUserNotFound
		}
		return json.Unmarshal([]byte(value), &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UserByName retrieves a user by username
func (b *BuntStorage) UserByName(_ context.Context, username string) (*core.User, error) {
	var found *core.User
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(userIndex, func(key, value string) bool {
			var user core.User
			if err := json.Unmarshal([]byte(value), &user); err != nil {
				return true
			}
			if user.Username == username {
				found = &user
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	if found == nil {
		return nil, core.ErrUserNotFound
	}
	return found, nil
}

// CreateSubscription stores a new subscription, enforcing the uniqueness of
// active (user, symbol, condition) tuples
func (b *BuntStorage) CreateSubscription(_ context.Context, sub *core.Subscription) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		var duplicate bool
		err := tx.Ascend(subIndex, func(key, value string) bool {
			var existing core.Subscription
			if err := json.Unmarshal([]byte(value), &existing); err != nil {
				return true
			}
			if existing.Enabled && existing.SameTarget(*sub) {
				duplicate = true
				return false
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to iterate over subscriptions: %w", err)
		}

		if duplicate {
			return core.ErrDuplicateSubscription
		}

		if sub.ID == 0 {
			sub.ID = atomic.AddInt64(&b.lastSubID, 1)
		}

		now := time.Now()
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = now
		}
		sub.UpdatedAt = now

		return b.set(tx, subKey(sub.ID), sub)
	})
}

// UpdateSubscription updates an existing subscription
func (b *BuntStorage) UpdateSubscription(_ context.Context, sub *core.Subscription) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		key := subKey(sub.ID)
		if _, err := tx.Get(key); err != nil {
			return core.ErrSubscriptionNotFound
		}

		sub.UpdatedAt = time.Now()
		return b.set(tx, key, sub)
	})
}

// DisableSubscription disables a subscription and records the reason
func (b *BuntStorage) DisableSubscription(_ context.Context, id int64, reason string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		key := subKey(id)
		value, err := tx.Get(key)
		if err != nil {
			return core.ErrSubscriptionNotFound
		}

		var sub core.Subscription
		if err := json.Unmarshal([]byte(value), &sub); err != nil {
			return fmt.Errorf("failed to unmarshal subscription %d: %w", id, err)
		}

		sub.Enabled = false
		sub.DisabledReason = reason
		sub.UpdatedAt = time.Now()

		return b.set(tx, key, &sub)
	})
}

// Subscriptions retrieves subscriptions matching all filters, ordered by user
// id then symbol for deterministic output
func (b *BuntStorage) Subscriptions(_ context.Context, filters ...core.SubscriptionFilter) ([]*core.Subscription, error) {
	subs := make([]*core.Subscription, 0)

	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(subIndex, func(key, value string) bool {
			var sub core.Subscription
			if err := json.Unmarshal([]byte(value), &sub); err != nil {
				return true
			}
			subs = append(subs, &sub)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}

	subs = lo.Filter(subs, func(sub *core.Subscription, _ int) bool {
		for _, filter := range filters {
			if !filter(*sub) {
				return false
			}
		}
		return true
	})

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].UserID != subs[j].UserID {
			return subs[i].UserID < subs[j].UserID
		}
		return subs[i].Symbol < subs[j].Symbol
	})

	return subs, nil
}

// SaveAttempt creates or updates a delivery attempt record
func (b *BuntStorage) SaveAttempt(_ context.Context, attempt *core.DeliveryAttempt) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if attempt.ID == 0 {
			attempt.ID = atomic.AddInt64(&b.lastAttemptID, 1)
		}

		now := time.Now()
		if attempt.CreatedAt.IsZero() {
			attempt.CreatedAt = now
		}
		attempt.UpdatedAt = now

		return b.set(tx, attemptKey(attempt.ID), attempt)
	})
}

// ClearAttempt removes all delivery attempts for a subscription
func (b *BuntStorage) ClearAttempt(_ context.Context, subscriptionID int64) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		stale := make([]string, 0, 1)
		err := tx.Ascend(attemptIndex, func(key, value string) bool {
			var attempt core.DeliveryAttempt
			if err := json.Unmarshal([]byte(value), &attempt); err != nil {
				return true
			}
			if attempt.SubscriptionID == subscriptionID {
				stale = append(stale, key)
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to iterate over attempts: %w", err)
		}

		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil {
				return fmt.Errorf("failed to delete attempt %s: %w", key, err)
			}
		}

		return nil
	})
}

// Attempts retrieves delivery attempts matching all filters
func (b *BuntStorage) Attempts(_ context.Context, filters ...core.AttemptFilter) ([]*core.DeliveryAttempt, error) {
	attempts := make([]*core.DeliveryAttempt, 0)

	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(attemptIndex, func(key, value string) bool {
			var attempt core.DeliveryAttempt
			if err := json.Unmarshal([]byte(value), &attempt); err != nil {
				return true
			}
			attempts = append(attempts, &attempt)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}

	attempts = lo.Filter(attempts, func(attempt *core.DeliveryAttempt, _ int) bool {
		for _, filter := range filters {
			if !filter(*attempt) {
				return false
			}
		}
		return true
	})

	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].ID < attempts[j].ID
	})

	return attempts, nil
}

func (b *BuntStorage) set(tx *buntdb.Tx, key string, record any) error {
	content, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	if _, _, err := tx.Set(key, string(content), nil); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}

	return nil
}

// Close closes the database connection
func (b *BuntStorage) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
