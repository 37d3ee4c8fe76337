package gamebus

import (
	"errors"
	"fmt"
)

// 哨兵错误
var (
	// ErrBusClosed 总线已关闭。
	ErrBusClosed = errors.New("gamebus: bus closed")
	// ErrCategoriesEmpty 订阅未指定任何分类。
	ErrCategoriesEmpty = errors.New("gamebus: subscription categories empty")
	// ErrQueueFull 桥接出站队列已满，跨进程发布快速失败。
	ErrQueueFull = errors.New("gamebus: bridge outbound queue full")
)

// ValidationError 事件结构校验失败，发布前同步返回，不进入分发。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gamebus: invalid event: %s: %s", e.Field, e.Reason)
}

// HandlerError 订阅处理器返回错误。仅按投递模式重试，绝不波及其它订阅。
type HandlerError struct {
	SubscriptionID string
	Attempts       int
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("gamebus: handler failed (sub=%s attempts=%d): %v", e.SubscriptionID, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DeliveryTimeoutError 重试耗尽或 TTL 过期，投递终态失败。
type DeliveryTimeoutError struct {
	SubscriptionID string
	Attempts       int
	Err            error
}

func (e *DeliveryTimeoutError) Error() string {
	return fmt.Sprintf("gamebus: delivery timed out (sub=%s attempts=%d): %v", e.SubscriptionID, e.Attempts, e.Err)
}

func (e *DeliveryTimeoutError) Unwrap() error { return e.Err }

// BrokerUnavailableError broker 不可达或出站队列满。
// 本进程内分发不受影响，跨进程发布快速失败并在结果中上报。
type BrokerUnavailableError struct {
	Channel string
	Err     error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("gamebus: broker unavailable (channel=%s): %v", e.Channel, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }
