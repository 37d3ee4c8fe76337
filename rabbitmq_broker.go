package gamebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// rabbitBroker 基于 topic exchange 实现 Broker。
// routing key 即通道键；每个 (通道, 消费组) 一个持久队列。
// 投递保证在上层引擎，broker 层失败只记录并快速返回。
type rabbitBroker struct {
	cfg    RabbitMQConfig
	logger Logger

	conn   *amqp.Connection
	connMu sync.Mutex
}

func newRabbitBroker(cfg RabbitMQConfig, logger Logger) (Broker, error) {
	if cfg.URI == "" || cfg.Exchange == "" {
		return nil, fmt.Errorf("rabbitmq config invalid")
	}
	b := &rabbitBroker{cfg: cfg, logger: logger}
	if err := b.ensureConnection(); err != nil {
		return nil, err
	}
	if err := b.declareTopology(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *rabbitBroker) ensureConnection() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	conn, err := amqp.Dial(b.cfg.URI)
	if err != nil {
		return err
	}
	b.conn = conn
	return nil
}

func (b *rabbitBroker) declareTopology() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil)
}

func (b *rabbitBroker) Publish(ctx context.Context, msg BrokerMessage) error {
	if err := b.ensureConnection(); err != nil {
		return &BrokerUnavailableError{Channel: msg.Channel, Err: err}
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return &BrokerUnavailableError{Channel: msg.Channel, Err: err}
	}
	defer ch.Close()
	err = ch.PublishWithContext(ctx, b.cfg.Exchange, msg.Channel, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Headers:     stringMapToTable(msg.Headers),
		Body:        msg.Body,
	})
	if err != nil {
		return &BrokerUnavailableError{Channel: msg.Channel, Err: err}
	}
	return nil
}

func (b *rabbitBroker) Consume(ctx context.Context, channel, group string, handler BrokerHandler) (func(context.Context) error, error) {
	if err := b.ensureConnection(); err != nil {
		return nil, err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	if b.cfg.Prefetch > 0 {
		_ = ch.Qos(b.cfg.Prefetch, 0, false)
	}
	qName := fmt.Sprintf("%s-%s", sanitizeQueueName(channel), sanitizeQueueName(group))
	q, err := ch.QueueDeclare(qName, true, false, false, false, amqp.Table{})
	if err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, channel, b.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-closeChan:
				if err != nil {
					b.logger.Error(ctx, "rabbitmq channel closed by server", "queue", q.Name, "err", err.Error())
				}
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				// 串行处理保持同通道顺序
				m := BrokerMessage{Channel: d.RoutingKey, Body: d.Body, Headers: tableToStringMap(d.Headers)}
				if err := handler(ctx, m); err != nil {
					b.logger.Error(ctx, "inbound handler failed", "channel", d.RoutingKey, "err", err)
				}
				_ = d.Ack(false)
			}
		}
	}()

	stop := func(sctx context.Context) error {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
	return stop, nil
}

func (b *rabbitBroker) Close(ctx context.Context) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func stringMapToTable(m map[string]string) amqp.Table {
	if len(m) == 0 {
		return nil
	}
	t := amqp.Table{}
	for k, v := range m {
		t[k] = v
	}
	return t
}

func tableToStringMap(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	m := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			m[k] = s
		}
	}
	return m
}

func sanitizeQueueName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case ' ', '*', '#', '/':
		default:
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "q"
	}
	return string(out)
}
