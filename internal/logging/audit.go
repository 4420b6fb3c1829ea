package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/orchestrix/pipeline/internal/config"
	"github.com/orchestrix/pipeline/pkg/pipeline/engine"
)

// AuditLog is the zap-backed, lumberjack-rotated sink the StageEngine writes
// stage transitions, cancellations and analysis task creations to, promoting the teacher's AuditRepository
// concept from a DB table to a tail-able log file.
type AuditLog struct {
	logger *zap.Logger
}

// NewAuditLog builds an AuditLog writing JSON lines to cfg's rotated file.
func NewAuditLog(cfg config.AuditConfig) *AuditLog {
	rotator := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), zap.InfoLevel)
	return &AuditLog{logger: zap.New(core)}
}

// Record appends one audit event with the current timestamp.
func (a *AuditLog) Record(event engine.AuditEvent) {
	a.logger.Info("pipeline_audit",
		zap.String("pipeline_id", event.PipelineID),
		zap.String("task_id", event.TaskID),
		zap.String("kind", event.Kind),
		zap.String("detail", event.Detail),
		zap.Time("recorded_at", time.Now()),
	)
}

// Sync flushes buffered log entries; call on shutdown.
func (a *AuditLog) Sync() error {
	return a.logger.Sync()
}
