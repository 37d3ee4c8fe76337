package gamebus

import (
	"context"
	"log"
)

// Logger 总线内部日志的最小抽象，宿主可注入 zap/slog 等适配实现。
type Logger interface {
	Info(ctx context.Context, msg string, kv ...interface{})
	Error(ctx context.Context, msg string, kv ...interface{})
}

// defaultLogger 未注入时落到标准库 log。
type defaultLogger struct{}

func (defaultLogger) Info(ctx context.Context, msg string, kv ...interface{}) {
	log.Println(append([]interface{}{"INFO", msg}, kv...)...)
}
func (defaultLogger) Error(ctx context.Context, msg string, kv ...interface{}) {
	log.Println(append([]interface{}{"ERROR", msg}, kv...)...)
}
