package gamebus

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestBus 启动一个装配完成的总线并注册清理。
func newTestBus(t *testing.T, cfg Config, opts ...Option) *Bus {
	t.Helper()
	b, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// waitFor 轮询直到条件满足或超时。
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

// memBroker 进程内 Broker，测试多进程桥接无需外部服务。
// Publish 同步投递给所有匹配订阅（含发布方自身，模拟 pub/sub 回声）。
type memBroker struct {
	mu        sync.Mutex
	subs      []*memSub
	published []BrokerMessage
}

type memSub struct {
	pattern string
	h       BrokerHandler
	stopped bool
}

func newMemBroker() *memBroker { return &memBroker{} }

func (m *memBroker) Publish(ctx context.Context, msg BrokerMessage) error {
	m.mu.Lock()
	m.published = append(m.published, msg)
	subs := make([]*memSub, 0, len(m.subs))
	for _, s := range m.subs {
		if !s.stopped && channelMatches(s.pattern, msg.Channel) {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.h(ctx, msg)
	}
	return nil
}

func (m *memBroker) Consume(ctx context.Context, channel, group string, handler BrokerHandler) (func(context.Context) error, error) {
	s := &memSub{pattern: channel, h: handler}
	m.mu.Lock()
	m.subs = append(m.subs, s)
	m.mu.Unlock()
	stop := func(context.Context) error {
		m.mu.Lock()
		s.stopped = true
		m.mu.Unlock()
		return nil
	}
	return stop, nil
}

func (m *memBroker) Close(ctx context.Context) error { return nil }

// redeliver 重放一条已发布消息，模拟 broker 重复投递。
func (m *memBroker) redeliver(ctx context.Context, msg BrokerMessage) {
	m.mu.Lock()
	subs := make([]*memSub, 0, len(m.subs))
	for _, s := range m.subs {
		if !s.stopped && channelMatches(s.pattern, msg.Channel) {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.h(ctx, msg)
	}
}

func (m *memBroker) messages() []BrokerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BrokerMessage(nil), m.published...)
}

func (m *memBroker) lastPublished() BrokerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published[len(m.published)-1]
}

func (m *memBroker) publishedChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.published))
	for i, msg := range m.published {
		out[i] = msg.Channel
	}
	return out
}

func (m *memBroker) publishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func (m *memBroker) activeSubs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if !s.stopped {
			n++
		}
	}
	return n
}

func channelMatches(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	if strings.HasSuffix(pattern, WildcardID) {
		return strings.HasPrefix(channel, pattern[:len(pattern)-1])
	}
	return false
}
