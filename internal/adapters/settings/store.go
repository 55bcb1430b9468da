// Package settings persists the agent's key/value settings on the player's
// own disk. Identity, tenant endpoints and long-interval timer state all live
// here so they survive a reboot.
package settings

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlog "gorm.io/gorm/logger"
)

// Setting is one persisted key/value pair.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

type Store struct {
	db *gorm.DB
	lg zerolog.Logger
}

// Open creates the sqlite-backed store at path and runs migrations.
func Open(path string, lg zerolog.Logger) (*Store, error) {
	gormLogger := gormlog.New(
		&lg,
		gormlog.Config{
			SlowThreshold: 0, // log all queries
			LogLevel:      gormlog.Warn,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}); err != nil {
		return nil, fmt.Errorf("gorm migrate: %w", err)
	}

	return &Store{db: db, lg: lg.With().Str("adapter", "settings").Logger()}, nil
}

// Get returns the value for key; ok is false when the key was never written.
func (s *Store) Get(key string) (string, bool) {
	var row Setting
	err := s.db.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false
	}
	if err != nil {
		s.lg.Error().Err(err).Str("key", key).Msg("get setting")
		return "", false
	}
	return row.Value, true
}

// Set upserts key to value.
func (s *Store) Set(key, value string) error {
	err := s.db.Save(&Setting{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key; deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if err := s.db.Delete(&Setting{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// DeleteAll wipes every persisted setting. Used on identity invalidation.
func (s *Store) DeleteAll() error {
	if err := s.db.Where("1 = 1").Delete(&Setting{}).Error; err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	s.lg.Warn().Msg("all persisted settings wiped")
	return nil
}
