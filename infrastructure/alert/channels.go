package alert

import (
	"signal-relay-go/infrastructure/logger"

	"go.uber.org/zap"
)

// LogChannel 把告警写进结构化日志。
type LogChannel struct {
	log  *logger.Logger
	name string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.Nop()
	}
	return &LogChannel{log: log, name: name}
}

// Send 实现 Channel。
func (c *LogChannel) Send(a Alert) error {
	fields := []zap.Field{
		zap.String("level", a.Level),
		zap.Time("at", a.Timestamp),
	}
	if len(a.Fields) > 0 {
		fields = append(fields, zap.Any("fields", a.Fields))
	}

	switch a.Level {
	case LevelError, LevelCritical:
		c.log.Error("alert: "+a.Message, fields...)
	case LevelWarning:
		c.log.Warn("alert: "+a.Message, fields...)
	default:
		c.log.Info("alert: "+a.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}
