package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"loan-sync-worker/internal/pkg/config"
	"loan-sync-worker/internal/pkg/logger"
	"loan-sync-worker/internal/service/canonicalizer"

	_ "github.com/lib/pq"
)

const (
	defaultDriver       = "postgres"
	defaultQueryTimeout = 5 * time.Minute
)

var ErrNoDSN = errors.New("postgres dsn is empty")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Row is one source row keyed by column name, with values already converted
// to the types the normalizer understands.
type Row map[string]interface{}

// Reader is the read-only view of the system-of-record. The connection is
// opened on first use and shared by every caller until Close.
type Reader struct {
	cfg        config.PostgresConfig
	driverName string
	openDB     sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type Option func(*Reader)

// WithDriver swaps the database/sql driver, used by tests.
func WithDriver(driverName string, open sqlOpenFunc) Option {
	return func(r *Reader) {
		r.driverName = driverName
		if open != nil {
			r.openDB = open
		}
	}
}

func NewReader(cfg config.PostgresConfig, opts ...Option) (*Reader, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, ErrNoDSN
	}
	r := &Reader{
		cfg:        cfg,
		driverName: defaultDriver,
		openDB:     sql.Open,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Reader) ensureReady(ctx context.Context) error {
	r.initOnce.Do(func() {
		db, err := r.openDB(r.driverName, r.cfg.DSN)
		if err != nil {
			r.initErr = err
			return
		}
		if r.cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(r.cfg.MaxOpenConns)
		}
		if r.cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(r.cfg.MaxIdleConns)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			r.initErr = fmt.Errorf("ping %s: %w", r.driverName, err)
			return
		}
		logger.CtxInfo(ctx, "Connected to source database", slog.String("driver", r.driverName))
		r.db = db
	})
	return r.initErr
}

// ReadTable returns every row of table. No transaction is opened; the
// snapshot is whatever the source session sees.
func (r *Reader) ReadTable(ctx context.Context, table string) ([]Row, error) {
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}

	timeout := r.cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT * FROM %s", quoteIdentifier(table))
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types for %s: %w", table, err)
	}

	var result []Row
	for rows.Next() {
		values := make([]interface{}, len(columnTypes))
		pointers := make([]interface{}, len(columnTypes))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}

		row := make(Row, len(columnTypes))
		for i, column := range columnTypes {
			converted, err := convertValue(column.DatabaseTypeName(), values[i])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", table, column.Name(), err)
			}
			row[column.Name()] = converted
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}

	logger.CtxDebug(ctx, "Read source table", slog.String("table", table), slog.Int("rows", len(result)))
	return result, nil
}

func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// convertValue maps driver values onto plain JSON-friendly types: fixed-point
// numbers become float64, timestamps become canonical UTC strings and
// enum or text bytes become strings.
func convertValue(databaseType string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return canonicalizer.Format(v), nil
	case []byte:
		if isFixedPoint(databaseType) {
			f, err := strconv.ParseFloat(string(v), 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s %q: %w", databaseType, v, err)
			}
			return f, nil
		}
		return string(v), nil
	case string:
		if isFixedPoint(databaseType) {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s %q: %w", databaseType, v, err)
			}
			return f, nil
		}
		return v, nil
	default:
		return v, nil
	}
}

func isFixedPoint(databaseType string) bool {
	t := strings.ToUpper(databaseType)
	return strings.HasPrefix(t, "NUMERIC") || strings.HasPrefix(t, "DECIMAL")
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
