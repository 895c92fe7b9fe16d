package db

import (
	"context"
	"fmt"
	"time"

	"coolvibeclub/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options 控制连接池与启动重试。
type Options struct {
	Attempts     int
	Backoff      time.Duration
	MaxIdleConns int
	MaxOpenConns int
	ConnLifetime time.Duration
}

var DefaultOptions = Options{
	Attempts:     10,
	Backoff:      500 * time.Millisecond,
	MaxIdleConns: 5,
	MaxOpenConns: 20,
	ConnLifetime: time.Hour,
}

// Connect 打开 Postgres 连接并 Ping，失败时线性退避重试，等待数据库容器就绪。
func Connect(ctx context.Context, dsn string, opts Options) (*gorm.DB, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	var lastErr error
	for i := 0; i < opts.Attempts; i++ {
		gdb, err := open(ctx, dsn, opts)
		if err == nil {
			return gdb, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", i+1).Int("of", opts.Attempts).Msg("db connect retry")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Backoff * time.Duration(i+1)):
		}
	}
	return nil, fmt.Errorf("db: connect after %d attempts: %w", opts.Attempts, lastErr)
}

func open(ctx context.Context, dsn string, opts Options) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(opts.ConnLifetime)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return gdb, nil
}

// Migrate 自动迁移用户、房间、成员、消息、附件与 refresh token 表。
func Migrate(ctx context.Context, gdb *gorm.DB) error {
	return gdb.WithContext(ctx).AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.RoomMember{},
		&models.ChatRecord{},
		&models.ChatFile{},
		&models.RefreshToken{},
	)
}
