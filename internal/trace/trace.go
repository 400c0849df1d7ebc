// Package trace records one row per agent invocation for offline
// inspection. Writes are best effort: a trace failure must never fail
// the run it describes.
package trace

import (
	"fmt"
	"regexp"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/stationmaster/internal/config"
)

// Event captures complete I/O for one agent call.
type Event struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	SessionID    string    `gorm:"size:128;index:idx_session_stage"`
	Stage        string    `gorm:"size:32;index:idx_session_stage"`
	Round        int
	ReviewResult string    `gorm:"size:32"`
	Model        string    `gorm:"size:64"`
	Prompt       string    `gorm:"type:mediumtext"`
	Output       string    `gorm:"type:mediumtext"`
	Status       string    `gorm:"size:16"`
	Detail       string    `gorm:"size:512"`
	LatencyMs    int64
	CreatedAt    time.Time
}

// Store appends trace events to a GORM-backed table.
type Store struct {
	db *gorm.DB
}

var sensitivePatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(token|api[_-]?key|authorization)\s*[:=]\s*[^\s,;]+`), "$1=***"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]+`), "Bearer ***"},
}

// DSN builds a MySQL DSN for the trace server backend.
func DSN(host string, port int, database string) string {
	return fmt.Sprintf("root@tcp(%s:%d)/%s?parseTime=true", host, port, database)
}

// Open connects the trace store using the configured backend: a MySQL
// server when trace.host is set, a local SQLite file otherwise. The
// events table is migrated on open.
func Open(cfg config.TraceConfig) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	if cfg.Host != "" {
		db, err = gorm.Open(mysql.Open(DSN(cfg.Host, cfg.Port, cfg.Database)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("trace: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
		}
	} else {
		db, err = gorm.Open(sqlite.Open(cfg.Path), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("trace: open %s: %w", cfg.Path, err)
		}
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("trace: auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing GORM connection. The caller is responsible
// for migrating the events table.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Append masks secrets in the event's text fields and inserts the row.
func (s *Store) Append(ev Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	ev.Prompt = Mask(ev.Prompt)
	ev.Output = Mask(ev.Output)
	ev.Detail = Mask(ev.Detail)
	if err := s.db.Create(&ev).Error; err != nil {
		return fmt.Errorf("trace: append %s/%s: %w", ev.SessionID, ev.Stage, err)
	}
	return nil
}

// Recent returns the newest events, capped at limit.
func (s *Store) Recent(limit int) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	if err := s.db.Order("id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("trace: list: %w", err)
	}
	return events, nil
}

// BySession returns every event recorded for one session, oldest first.
func (s *Store) BySession(sessionID string) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var events []Event
	if err := s.db.Where("session_id = ?", sessionID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("trace: list session %s: %w", sessionID, err)
	}
	return events, nil
}

// Mask redacts token, API-key, authorization, and bearer values so a
// credential echoed by an agent never lands in the trace table.
func Mask(text string) string {
	masked := text
	for _, p := range sensitivePatterns {
		masked = p.re.ReplaceAllString(masked, p.replacement)
	}
	return masked
}
