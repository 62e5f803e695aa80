// Package database keeps an append-only sqlite audit trail of session
// lifecycle events. It is never read back to restore sessions.
package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Ledger appends and queries ScenarioEvent rows.
type Ledger struct {
	db *gorm.DB
}

// Open opens (creating if needed) the ledger at path. ":memory:" gives a
// throwaway ledger.
func Open(path string) (*Ledger, error) {
	inMemory := path == ":memory:"
	if !inMemory {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if inMemory {
		// Each pooled connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&ScenarioEvent{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record appends an event. Failures are logged; the audit trail never blocks
// the lifecycle.
func (l *Ledger) Record(sessionID, repo, kind, detail string) {
	ev := ScenarioEvent{SessionID: sessionID, Repo: repo, Kind: kind, Detail: detail}
	if err := l.db.Create(&ev).Error; err != nil {
		log.Printf("[audit] failed to record %s for %s: %v", kind, sessionID, err)
	}
}

// Recent returns up to limit events, newest first.
func (l *Ledger) Recent(limit int) ([]ScenarioEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []ScenarioEvent
	if err := l.db.Order("id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// ForSession returns a session's events in the order they happened.
func (l *Ledger) ForSession(sessionID string) ([]ScenarioEvent, error) {
	var out []ScenarioEvent
	if err := l.db.Where("session_id = ?", sessionID).Order("id asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	return out, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
