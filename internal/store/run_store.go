package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// RunRecord 持久化一次回测尝试的结局，构成可追溯的运行历史。
// 最近一次成功运行的 Strategy 同时充当"最近使用的策略"：
// 展示层跳转汇总时显式从这里取值，进程内不存在任何全局可变状态。
type RunRecord struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Strategy   string `gorm:"index" json:"strategy"`
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	Status     string `gorm:"index" json:"status"`
	Message    string `json:"message,omitempty"`
	GapRetries int    `json:"gap_retries"`
	DurationMS int64  `json:"duration_ms"`
	ReportPath string `json:"report_path,omitempty"`

	Detail datatypes.JSON `json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// 运行状态取值。
const (
	StatusSuccess    = "success"
	StatusNoData     = "no_historical_data"
	StatusValidation = "validation_error"
	StatusNetwork    = "network_error"
	StatusCancelled  = "cancelled"
	StatusError      = "error"
)

// RunStore 管理 run_records 表。
type RunStore struct {
	db *gorm.DB
}

func NewRunStore(path string) (*RunStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("run store path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return NewRunStoreFromDB(db)
}

func NewRunStoreFromDB(db *gorm.DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&RunRecord{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &RunStore{db: db}, nil
}

func (s *RunStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record 写入一条运行记录。detail 为任意可序列化的结构化现场（结果摘要、错误列表）。
func (s *RunStore) Record(ctx context.Context, rec *RunRecord, detail any) error {
	if rec == nil {
		return fmt.Errorf("run record 不能为空")
	}
	if detail != nil {
		buf, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("序列化运行详情失败: %w", err)
		}
		rec.Detail = datatypes.JSON(buf)
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// Recent 返回最近的 limit 条运行记录，新的在前。
func (s *RunStore) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []RunRecord
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// LastStrategy 返回最近一次成功运行使用的策略名，没有记录时返回空串。
func (s *RunStore) LastStrategy(ctx context.Context) (string, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusSuccess).
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", err
	}
	return rec.Strategy, nil
}
