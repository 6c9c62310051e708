package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/eddielth/ddg-agent/logger"
)

// MySQLStorage 表示MySQL归档后端
type MySQLStorage struct {
	db       *sql.DB
	database string
	insert   string
}

// NewMySQLStorage 创建MySQL归档后端，数据库不存在时自动创建
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析MySQL DSN失败: %w", err)
	}

	// 先连接到MySQL服务器（不指定数据库）
	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL服务器失败: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("创建数据库失败: %w", err)
	}
	logger.Info("确保MySQL数据库 %s 存在", database)

	db, err := openPool("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL数据库失败: %w", err)
	}

	storage := &MySQLStorage{
		db:       db,
		database: database,
		insert:   mysqlInsert(),
	}

	if err := storage.InitDatabase(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化MySQL数据库失败: %w", err)
	}

	logger.Info("MySQL归档初始化成功")
	return storage, nil
}

// parseMySQLDSN 提取数据库名和不包含数据库的DSN
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("DSN格式无效，无法提取数据库名")
	}

	// 最后一部分可能包含参数
	dbParts := strings.SplitN(parts[len(parts)-1], "?", 2)
	database = dbParts[0]
	if database == "" {
		return "", "", fmt.Errorf("DSN格式无效，数据库名为空")
	}

	serverDSN = strings.Join(parts[:len(parts)-1], "/") + "/"
	if len(dbParts) > 1 {
		serverDSN += "?" + dbParts[1]
	}

	return database, serverDSN, nil
}

func mysqlInsert() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", recordColumnCount), ", ")
	return fmt.Sprintf("INSERT INTO tick_records (%s) VALUES (%s)", recordColumns, marks)
}

// InitDatabase 创建归档表
func (ms *MySQLStorage) InitDatabase(ctx context.Context) error {
	tableSQL := `
	CREATE TABLE IF NOT EXISTS tick_records (
		id CHAR(36) PRIMARY KEY,
		device_id VARCHAR(255) NOT NULL,
		device_type VARCHAR(255) NOT NULL,
		sampled_at DATETIME(3) NOT NULL,
		is_online BOOLEAN NOT NULL,
		temperature BIGINT NOT NULL,
		cpu_usage BIGINT NOT NULL,
		memory_usage BIGINT NOT NULL,
		is_abnormal BOOLEAN NOT NULL,
		severity VARCHAR(16) NOT NULL,
		source VARCHAR(16) NOT NULL,
		reason TEXT,
		recommendations JSON,
		findings JSON,
		action VARCHAR(32) NOT NULL,
		ledger_reason VARCHAR(1024),
		write_error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_device_id (device_id),
		INDEX idx_sampled_at (sampled_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := ms.db.ExecContext(ctx, tableSQL); err != nil {
		return fmt.Errorf("创建归档表失败: %w", err)
	}

	logger.Info("MySQL归档表初始化成功")
	return nil
}

// Store 写入一条记录
func (ms *MySQLStorage) Store(ctx context.Context, r Record) error {
	if err := insertRecord(ctx, ms.db, ms.insert, r); err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	logger.Debug("已将 %s 的记录存储到MySQL数据库", r.DeviceID)
	return nil
}

// Close 关闭数据库连接
func (ms *MySQLStorage) Close() error {
	if ms.db != nil {
		if err := ms.db.Close(); err != nil {
			return fmt.Errorf("关闭MySQL数据库连接失败: %w", err)
		}
		logger.Info("MySQL数据库连接已关闭")
	}
	return nil
}
