package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pacerlabs/stride/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew  = "store.new"
	opStorePut  = "store.put"
	opStoreGet  = "store.get"
	opStoreList = "store.list"
)

// StoreError carries a dotted operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the structured error code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the dependencies for the record cache.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the local record cache. Writes are compare-and-set on
// version: a cached row is only replaced by a record that supersedes it
// under the wire ordering, so concurrent writers are safe.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New validates the configuration and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Put caches the record if it supersedes the stored version for its
// key. It reports whether the cache was updated.
func (s *Store) Put(ctx context.Context, rec record.Record) (bool, error) {
	key, err := rec.Key()
	if err != nil {
		return false, newStoreError(opStorePut, "invalid_record", err)
	}
	envelope, err := rec.Encode()
	if err != nil {
		return false, newStoreError(opStorePut, "encode_failed", err)
	}

	stored := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RecordRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("author = ? AND kind = ? AND d_tag = ?", key.Author, key.Kind, key.DTag).
			Take(&existing).Error
		if err == nil {
			current := record.Record{ID: existing.RecordID, CreatedAt: existing.CreatedAtSeconds}
			if !record.Supersedes(rec, current) {
				return nil
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opStorePut, "select_failed", err)
		}

		row := RecordRow{
			Author:           key.Author,
			Kind:             key.Kind,
			DTag:             key.DTag,
			RecordID:         rec.ID,
			CreatedAtSeconds: rec.CreatedAt,
			EnvelopeJSON:     string(envelope),
			CachedAtSeconds:  s.clock().Unix(),
		}
		if err := tx.Save(&row).Error; err != nil {
			return newStoreError(opStorePut, "save_failed", err)
		}
		stored = true
		return nil
	})
	if txErr != nil {
		s.logError(opStorePut, "transaction_failed", txErr, zap.String("key", key.String()))
		return false, txErr
	}
	return stored, nil
}

// Get returns the cached record for the key, if any.
func (s *Store) Get(ctx context.Context, key record.Key) (record.Record, bool, error) {
	var row RecordRow
	err := s.db.WithContext(ctx).
		Where("author = ? AND kind = ? AND d_tag = ?", key.Author, key.Kind, key.DTag).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return record.Record{}, false, nil
	}
	if err != nil {
		s.logError(opStoreGet, "select_failed", err, zap.String("key", key.String()))
		return record.Record{}, false, newStoreError(opStoreGet, "select_failed", err)
	}
	rec, err := record.Decode([]byte(row.EnvelopeJSON))
	if err != nil {
		s.logError(opStoreGet, "decode_failed", err, zap.String("key", key.String()))
		return record.Record{}, false, newStoreError(opStoreGet, "decode_failed", err)
	}
	return rec, true, nil
}

// List returns every cached record matching the filter. Rows that no
// longer decode are skipped, not errored.
func (s *Store) List(ctx context.Context, filter record.Filter) ([]record.Record, error) {
	query := s.db.WithContext(ctx).Model(&RecordRow{})
	if len(filter.Kinds) > 0 {
		query = query.Where("kind IN ?", filter.Kinds)
	}
	if len(filter.Authors) > 0 {
		query = query.Where("author IN ?", filter.Authors)
	}

	var rows []RecordRow
	if err := query.Order("created_at_s DESC").Find(&rows).Error; err != nil {
		s.logError(opStoreList, "query_failed", err)
		return nil, newStoreError(opStoreList, "query_failed", err)
	}

	records := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := record.Decode([]byte(row.EnvelopeJSON))
		if err != nil {
			s.logError(opStoreList, "decode_failed", err, zap.String("record_id", row.RecordID))
			continue
		}
		if !filter.Matches(rec) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("record cache error", attrs...)
}
