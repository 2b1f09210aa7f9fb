package usage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/daymade/claude-relay-service/internal/domain"
)

// UsageEvent 下游分析库的行模型
type UsageEvent struct {
	ID                  uint      `gorm:"primaryKey"`
	RequestID           string    `gorm:"size:64;index"`
	APIKeyID            string    `gorm:"size:64;index:idx_usage_key_date"`
	AccountID           string    `gorm:"size:64"`
	Provider            string    `gorm:"size:32"`
	Model               string    `gorm:"size:128"`
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	Cost                float64
	Endpoint            string `gorm:"size:128"`
	StatusCode          int
	ClientDisconnect    bool
	StartedAt           time.Time `gorm:"index:idx_usage_key_date"`
	DurationMs          int64
}

// TableName 指定表名
func (UsageEvent) TableName() string { return "usage_events" }

// PostgresSink 把用量事件落入 Postgres 供下游分析
//
// 可选组件：未配置 DSN 时整体不启用。
type PostgresSink struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewPostgresSink 连接并迁移用量表
func NewPostgresSink(dsn string, log *zap.Logger) (*PostgresSink, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&UsageEvent{}); err != nil {
		return nil, err
	}
	log.Info("usage sink connected")
	return &PostgresSink{db: db, log: log}, nil
}

// Insert 写入一条事件
func (s *PostgresSink) Insert(ctx context.Context, record *domain.UsageRecord) error {
	event := &UsageEvent{
		RequestID:           record.RequestID,
		APIKeyID:            record.APIKeyID,
		AccountID:           record.AccountID,
		Provider:            string(record.Provider),
		Model:               record.Model,
		InputTokens:         record.Usage.InputTokens,
		OutputTokens:        record.Usage.OutputTokens,
		CacheCreationTokens: record.Usage.CacheCreationTokens,
		CacheReadTokens:     record.Usage.CacheReadTokens,
		Cost:                record.Cost,
		Endpoint:            record.Endpoint,
		StatusCode:          record.StatusCode,
		ClientDisconnect:    record.ClientDisconnect,
		StartedAt:           record.StartedAt,
		DurationMs:          record.DurationMs,
	}
	return s.db.WithContext(ctx).Create(event).Error
}

// Close 关闭底层连接
func (s *PostgresSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
