package gamebus

import "context"

// BrokerMessage 跨进程消息：一个通道上的一段字节（单事件或批次信封）。
type BrokerMessage struct {
	Channel string
	Body    []byte
	Headers map[string]string
}

// BrokerHandler 处理入站 broker 消息。
type BrokerHandler func(ctx context.Context, msg BrokerMessage) error

// Broker 外部分布式 broker 的统一抽象。
// Consume 按通道+消费组订阅并返回停止函数；每个总线实例使用独立
// 消费组，使同一消息在所有进程各到达一次（pub/sub 语义）。
type Broker interface {
	Publish(ctx context.Context, msg BrokerMessage) error
	Consume(ctx context.Context, channel, group string, handler BrokerHandler) (stop func(context.Context) error, err error)
	Close(ctx context.Context) error
}

// ---- no-op 实现：单进程降级模式 ----

type noopBroker struct{}

func newNoopBroker() Broker { return noopBroker{} }

func (noopBroker) Publish(ctx context.Context, msg BrokerMessage) error { return nil }
func (noopBroker) Consume(ctx context.Context, channel, group string, handler BrokerHandler) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
func (noopBroker) Close(ctx context.Context) error { return nil }
