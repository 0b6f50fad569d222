package stationmaster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	dbOperationTimeout = 30 * time.Second

	// write retry policy at the data-access boundary: bounded attempts
	// with linear backoff, then the error is surfaced
	dbWriteAttempts     = 3
	dbWriteRetryBackoff = 250 * time.Millisecond
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// database wraps the GORM connection with a write mutex (SQLite does not
// tolerate concurrent writers) and a bounded retry for transient store
// errors.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance. enableConcurrentWrites
// should be true only for backends that support concurrent writers.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// retryWrite runs fn up to dbWriteAttempts times with linear backoff.
// Context cancellation is terminal and not retried.
func (d *database) retryWrite(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= dbWriteAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt < dbWriteAttempts {
			d.logger.WarnContext(
				ctx,
				"retrying database write",
				"attempt", attempt,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-time.After(time.Duration(attempt) * dbWriteRetryBackoff):
				//
			}
		}
	}
	return err
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	d.lock()
	defer d.unlock()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	err = d.retryWrite(
		ctx, func() error {
			rv := d.db.WithContext(ctx).Omit(omit...).Create(value)
			rowsAffected = rv.RowsAffected
			return rv.Error
		},
	)
	return rowsAffected, err
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	d.lock()
	defer d.unlock()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	err = d.retryWrite(
		ctx, func() error {
			rv := d.db.WithContext(ctx).Omit(omit...).Save(value)
			rowsAffected = rv.RowsAffected
			return rv.Error
		},
	)
	return rowsAffected, err
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	d.lock()
	defer d.unlock()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	err = d.retryWrite(
		ctx, func() error {
			rv := d.db.WithContext(ctx).Model(model).Updates(values)
			rowsAffected = rv.RowsAffected
			return rv.Error
		},
	)
	return rowsAffected, err
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	d.lock()
	defer d.unlock()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	err = d.retryWrite(
		ctx, func() error {
			rv := d.db.WithContext(ctx).Model(model).Update(column, value)
			rowsAffected = rv.RowsAffected
			return rv.Error
		},
	)
	return rowsAffected, err
}

func (d *database) Delete(value any, conds ...any) (
	rowsAffected int64,
	err error,
) {
	d.lock()
	defer d.unlock()
	rv := d.db.Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	d.lock()
	defer d.unlock()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and auto-migrates the bot's models.
//
// databaseType must be 'sqlite' or 'postgres'; database is the connection
// string, or SQLite file path. slowThreshold sets the slow-query warning
// threshold for the GORM logger.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	handler := newTintHandler(slog.LevelWarn)

	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&CallsignRecord{},
		&IdentityCacheEntry{},
		&SyncMetadata{},
	)
	if err != nil {
		return db, err
	}

	return db, txn.Commit().Error
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
