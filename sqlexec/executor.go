package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/clickhouse"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

// Row is one result row with column order preserved.
type Row struct {
	Columns []string
	Values  []interface{}
}

// Executor runs fixed templates against the relational store. The pool is
// shared and safe for concurrent use.
type Executor struct {
	db      *gorm.DB
	timeout time.Duration
}

type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	logger.Warnf("sqlexec: "+format, args...)
}

// Open builds the connection pool without dialing, so an unreachable
// database still yields a usable handle. Ping reports reachability.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch cfg.Driver {
	case "", "postgres":
		dial = postgres.Open(cfg.DSN)
	case "mysql":
		dial = mysql.New(mysql.Config{DSN: cfg.DSN, SkipInitializeWithVersion: true})
	case "sqlite":
		dial = sqlite.Open(cfg.DSN)
	case "clickhouse":
		dial = clickhouse.New(clickhouse.Config{DSN: cfg.DSN, SkipInitializeWithVersion: true})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		DisableAutomaticPing: true,
		Logger: gormlogger.New(gormWriter{}, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func New(db *gorm.DB, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Executor{db: db, timeout: timeout}
}

// Run executes the template for intent with positional binds. Failures are
// logged and yield an empty result.
func (e *Executor) Run(ctx context.Context, intent string, params []interface{}) []schema.EvidenceRecord {
	start := time.Now()
	tpl, ok := Templates[intent]
	if !ok {
		logger.Errorf("sqlexec: %v", errs.Backend("run", fmt.Errorf("unknown intent %q", intent)))
		return []schema.EvidenceRecord{}
	}
	if len(params) != tpl.Arity {
		logger.Errorf("sqlexec: %v", errs.Backend("run", fmt.Errorf("intent %s expects %d params, got %d", intent, tpl.Arity, len(params))))
		return []schema.EvidenceRecord{}
	}
	rows, err := e.Query(ctx, tpl.SQL, params...)
	if err != nil {
		metrics.IncBackendError("sql")
		logger.Errorf("sqlexec: %s failed: %v", intent, errs.Backend("query", err))
		return []schema.EvidenceRecord{}
	}
	out := make([]schema.EvidenceRecord, 0, len(rows))
	for i, r := range rows {
		out = append(out, ToEvidence(r, i))
	}
	metrics.ObserveRetriever("sql", start, len(out))
	return out
}

// Query runs stmt with binds and materializes all rows. The connection is
// returned to the pool before Query returns.
func (e *Executor) Query(ctx context.Context, stmt string, args ...interface{}) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return scanRows(e.db.WithContext(ctx).Raw(stmt, args...))
}

func scanRows(q *gorm.DB) ([]Row, error) {
	rows, err := q.Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, Row{Columns: cols, Values: vals})
	}
	return out, rows.Err()
}

// QuerySelect runs a SELECT (or WITH ... SELECT) inside a read-only
// transaction. Used by ingestion.
func (e *Executor) QuerySelect(ctx context.Context, stmt string) ([]Row, error) {
	head := strings.ToLower(strings.TrimSpace(stmt))
	if !strings.HasPrefix(head, "select") && !strings.HasPrefix(head, "with") {
		return nil, errs.Validation("ingest sql", errors.New("only SELECT statements may be ingested"))
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var out []Row
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// sqlite ignores TxOptions.ReadOnly
		if tx.Dialector.Name() == "sqlite" {
			if err := tx.Exec("PRAGMA query_only = ON").Error; err != nil {
				return err
			}
			defer tx.WithContext(context.Background()).Exec("PRAGMA query_only = OFF")
		}
		var err error
		out, err = scanRows(tx.Raw(stmt))
		return err
	}, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping reports reachability with SELECT 1.
func (e *Executor) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.db.WithContext(ctx).Exec("SELECT 1").Error
}

func (e *Executor) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
