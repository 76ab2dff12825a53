package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"workescrow/gateway/config"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different request.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")

// IdempotencyRecord caches the first response stored for (api key, key).
type IdempotencyRecord struct {
	APIKey       string `gorm:"primaryKey;size:128"`
	Key          string `gorm:"primaryKey;column:idem_key;size:255"`
	RequestHash  string `gorm:"size:64;not null"`
	Status       int    `gorm:"not null"`
	ResponseBody []byte
	CreatedAt    time.Time `gorm:"index"`
}

// AuditEntry records every authenticated write attempt and its outcome.
type AuditEntry struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	APIKey         string    `gorm:"index;size:128"`
	Method         string    `gorm:"size:16"`
	Path           string    `gorm:"size:512"`
	IdempotencyKey string    `gorm:"size:255"`
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
	OccurredAt     time.Time `gorm:"index"`
}

func (e *AuditEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// StoredResponse is a cached response replayed for a repeated idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

type Store struct {
	db *gorm.DB
}

// OpenStore connects to the configured database and migrates the schema.
func OpenStore(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case config.DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return NewStore(db)
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&IdempotencyRecord{}, &AuditEntry{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// LookupIdempotency returns the cached response, nil when the key is unused,
// or ErrIdempotencyMismatch when the key was used for another request.
func (s *Store) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	var rec IdempotencyRecord
	// Find instead of Take: a miss is the common case and must not surface as an error.
	res := s.db.WithContext(ctx).Where("api_key = ? AND idem_key = ?", apiKey, key).Limit(1).Find(&rec)
	if res.Error != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	if rec.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: rec.Status, Body: rec.ResponseBody}, nil
}

// SaveIdempotency stores the response unless another request stored one
// first, in which case the winner's response is returned.
func (s *Store) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) (*StoredResponse, error) {
	rec := IdempotencyRecord{
		APIKey:       apiKey,
		Key:          key,
		RequestHash:  requestHash,
		Status:       status,
		ResponseBody: append([]byte(nil), body...),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return nil, fmt.Errorf("save idempotency key: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &StoredResponse{Status: status, Body: rec.ResponseBody}, nil
	}
	return s.LookupIdempotency(ctx, apiKey, key, requestHash)
}

// PruneIdempotency deletes records created before cutoff.
func (s *Store) PruneIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func (s *Store) InsertAudit(ctx context.Context, entry *AuditEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// RecentAudit returns up to limit entries for apiKey, newest first.
func (s *Store) RecentAudit(ctx context.Context, apiKey string, limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.db.WithContext(ctx).
		Where("api_key = ?", apiKey).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// requestFingerprint binds an idempotency key to the exact request.
func requestFingerprint(method, path string, body []byte) string {
	sum := blake3.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}
