package gamebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// redisEnvelope Pub/Sub 无 payload 头，消息体包一层 {headers, body} 信封。
type redisEnvelope struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

// redisBroker 基于 Redis Pub/Sub 实现 Broker。
// 每条消息对所有订阅进程天然扇出；通配后缀 ".*" 的通道走 PSubscribe。
type redisBroker struct {
	rdb    *redis.Client
	cfg    RedisConfig
	logger Logger

	wg sync.WaitGroup
}

func newRedisBroker(cfg RedisConfig, logger Logger) (Broker, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr empty")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	return &redisBroker{cfg: cfg, logger: logger, rdb: rdb}, nil
}

func (r *redisBroker) Publish(ctx context.Context, msg BrokerMessage) error {
	env, err := json.Marshal(redisEnvelope{Headers: msg.Headers, Body: msg.Body})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, msg.Channel, env).Err(); err != nil {
		return &BrokerUnavailableError{Channel: msg.Channel, Err: err}
	}
	return nil
}

// Consume Pub/Sub 对每个订阅者全量投递，group 在此适配器中无意义。
func (r *redisBroker) Consume(ctx context.Context, channel, _ string, handler BrokerHandler) (func(context.Context) error, error) {
	var ps *redis.PubSub
	if strings.HasSuffix(channel, WildcardID) {
		ps = r.rdb.PSubscribe(ctx, channel)
	} else {
		ps = r.rdb.Subscribe(ctx, channel)
	}
	// 确认订阅建立，避免丢失紧随其后的消息
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	done := make(chan struct{})
	cctx, cancel := context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer func() { r.wg.Done(); close(done) }()
		msgCh := ps.Channel()
		for {
			select {
			case <-cctx.Done():
				return
			case m, ok := <-msgCh:
				if !ok {
					return
				}
				var env redisEnvelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					r.logger.Error(cctx, "redis envelope decode failed", "channel", m.Channel, "err", err)
					continue
				}
				// 串行处理保持同通道投递顺序
				msg := BrokerMessage{Channel: m.Channel, Body: env.Body, Headers: env.Headers}
				if err := handler(cctx, msg); err != nil {
					r.logger.Error(cctx, "inbound handler failed", "channel", m.Channel, "err", err)
				}
			}
		}
	}()

	stop := func(sctx context.Context) error {
		cancel()
		_ = ps.Close()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
	return stop, nil
}

func (r *redisBroker) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return r.rdb.Close()
}
