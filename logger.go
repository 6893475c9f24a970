package relpersist

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLLogger routes gorm's log output to zap.
type SQLLogger struct {
	log           *zap.Logger
	level         logger.LogLevel
	echo          bool
	slowThreshold time.Duration
}

var _ logger.Interface = (*SQLLogger)(nil)

// NewSQLLogger returns a gorm logger writing to log. With echo set every statement is
// written at info level, otherwise at debug.
func NewSQLLogger(log *zap.Logger, echo bool, slowThreshold time.Duration) *SQLLogger {
	return &SQLLogger{
		log:           log.Named("sql"),
		level:         logger.Info,
		echo:          echo,
		slowThreshold: slowThreshold,
	}
}

// LogMode returns a copy of the logger at the given level.
func (l *SQLLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *l
	c.level = level
	return &c
}

// Info logs a gorm info message at the matching zap level when the mode allows it.
func (l *SQLLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.log.Sugar().Infof(msg, args...)
	}
}

// Warn logs a gorm warning message at the matching zap level when the mode allows it.
func (l *SQLLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Sugar().Warnf(msg, args...)
	}
}

// Error logs a gorm error message at the matching zap level when the mode allows it.
func (l *SQLLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.log.Sugar().Errorf(msg, args...)
	}
}

// Trace is called by gorm once per executed statement.
func (l *SQLLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("statement", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		l.log.Error("statement failed", append(fields, zap.Error(err))...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= logger.Warn:
		l.log.Warn(fmt.Sprintf("slow statement >= %v", l.slowThreshold), fields...)
	case l.echo && l.level >= logger.Info:
		l.log.Info("executed", fields...)
	default:
		l.log.Debug("executed", fields...)
	}
}
