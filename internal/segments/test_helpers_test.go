package segments

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "segments.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&SpeechSegment{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustPageID(t *testing.T, value string) PageID {
	t.Helper()
	id, err := NewPageID(value)
	if err != nil {
		t.Fatalf("unexpected page id error: %v", err)
	}
	return id
}

func mustTimestamp(t *testing.T, value string) Timestamp {
	t.Helper()
	ts, err := NewTimestamp(value)
	if err != nil {
		t.Fatalf("unexpected timestamp error: %v", err)
	}
	return ts
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return "segment-" + string(rune('a'+p.next-1)), nil
}
