package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DatabaseType 数据库类型
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
)

// DatabaseStorage 数据库归档后端
type DatabaseStorage interface {
	Backend
	// InitDatabase 创建归档表
	InitDatabase(ctx context.Context) error
}

// NewDatabaseStorage 按类型创建数据库后端
func NewDatabaseStorage(dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(dsn)
	case PostgreSQL:
		return NewPostgreSQLStorage(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// recordColumns 归档表的列顺序，与 recordArgs 一致
const recordColumns = "id, device_id, device_type, sampled_at, is_online, temperature, cpu_usage, memory_usage, " +
	"is_abnormal, severity, source, reason, recommendations, findings, action, ledger_reason, write_error"

const recordColumnCount = 17

func recordArgs(r Record) ([]interface{}, error) {
	recs, err := json.Marshal(r.Verdict.Recommendations)
	if err != nil {
		return nil, fmt.Errorf("serialize recommendations failed: %w", err)
	}
	findings, err := json.Marshal(r.Findings)
	if err != nil {
		return nil, fmt.Errorf("serialize findings failed: %w", err)
	}

	return []interface{}{
		r.ID,
		r.DeviceID,
		r.DeviceType,
		r.Timestamp.UTC(),
		r.Sample.IsOnline,
		r.Sample.Temperature,
		r.Sample.CPUUsage,
		r.Sample.MemoryUsage,
		r.Verdict.IsAbnormal,
		string(r.Verdict.Severity),
		string(r.Verdict.Source),
		r.Verdict.Reason,
		string(recs),
		string(findings),
		r.Action,
		r.Reason,
		r.WriteError,
	}, nil
}

// openPool 打开连接并设置连接池参数
func openPool(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)
	return db, nil
}

func insertRecord(ctx context.Context, db *sql.DB, query string, r Record) error {
	args, err := recordArgs(r)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert record %s failed: %w", r.ID, err)
	}
	return nil
}
