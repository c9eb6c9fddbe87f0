// Package history persists one immutable record per finished
// generation session.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry is one terminal generation record.
type Entry struct {
	ID              string `gorm:"primaryKey"`
	CreatedAt       time.Time
	Prompt          string `gorm:"type:text"`
	Code            string `gorm:"type:text"`
	StlBase64       string `gorm:"type:text"`
	Success         bool
	Error           string
	Provider        string
	Model           string
	DurationMs      int64
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	CostUSD         float64
	ConfidenceScore int
	ConfidenceLevel string
	GenerationType  string
	RetryCount      int
	Pinned          bool
}

// Store keeps generation history in a local sqlite database.
type Store struct {
	db *gorm.DB
}

// Open creates or migrates the history database at path. Use ":memory:"
// for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts a new entry, assigning an id and timestamp when unset.
func (s *Store) Record(entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := s.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("recording history entry: %w", err)
	}
	return nil
}

// List returns entries newest first, up to limit (0 means all).
func (s *Store) List(limit int) ([]Entry, error) {
	var entries []Entry
	q := s.db.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return entries, nil
}

// SetPinned marks or unmarks an entry as pinned. Pinned entries survive
// pruning.
func (s *Store) SetPinned(id string, pinned bool) error {
	res := s.db.Model(&Entry{}).Where("id = ?", id).Update("pinned", pinned)
	if res.Error != nil {
		return fmt.Errorf("updating pin state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("history entry %s not found", id)
	}
	return nil
}

// Delete removes one entry.
func (s *Store) Delete(id string) error {
	return s.db.Where("id = ?", id).Delete(&Entry{}).Error
}

// Prune keeps the newest keep unpinned entries and deletes the rest.
// Pinned entries are never pruned.
func (s *Store) Prune(keep int) error {
	if keep <= 0 {
		return nil
	}

	var ids []string
	err := s.db.Model(&Entry{}).
		Where("pinned = ?", false).
		Order("created_at desc").
		Offset(keep).
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("selecting prune candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	return s.db.Where("id IN ?", ids).Delete(&Entry{}).Error
}
