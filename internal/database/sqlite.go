package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/segments"
	"github.com/MarcoPoloResearchLab/lectern/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// Schema lists the models to auto-migrate and the one-shot migrations to apply.
type Schema struct {
	Models     []any
	Migrations []Migration
}

// ClientSchema is the schema of the local client store.
func ClientSchema() Schema {
	return Schema{Models: []any{&store.Entry{}}}
}

// RelaySchema is the schema of the classroom relay database.
func RelaySchema() Schema {
	return Schema{
		Models: []any{&segments.SpeechSegment{}},
		Migrations: []Migration{
			{Name: migrationBackfillSegmentSizes, Apply: backfillSegmentSizes},
		},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger, schema Schema) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: NewGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append([]any{&migrationRecord{}}, schema.Models...)
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger, schema.Migrations); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// NewGormLogger routes gorm diagnostics to logger at warn level. Missing rows
// are expected lookups and are never reported.
func NewGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gormlogger.New(gormWriter{logger: logger.Named("gorm")}, gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

type gormWriter struct {
	logger *zap.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...))
}
