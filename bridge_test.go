package gamebus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// 两个总线实例共享同一 broker，模拟两个游戏服务进程。
func twoBuses(t *testing.T, cfg Config) (*Bus, *Bus, *memBroker) {
	t.Helper()
	mb := newMemBroker()
	a := newTestBus(t, cfg, WithBroker(mb))
	b := newTestBus(t, cfg, WithBroker(mb))
	return a, b, mb
}

func TestBridge_CrossProcessRoundTrip(t *testing.T) {
	a, b, mb := twoBuses(t, Config{})
	var calls atomic.Int64
	var got atomic.Value
	b.Subscribe(SubscriptionSpec{SubscriberID: "s1", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error {
			calls.Add(1)
			got.Store(e)
			return nil
		})

	e := NewEvent(CategoryPlayerAction, "bomb_place", "p1", json.RawMessage(`{"x":3,"y":7}`),
		EventTarget{Type: TargetGame, ID: "g1"})
	res := a.Publish(context.Background(), e)
	if !res.Success {
		t.Fatalf("publish: %+v", res.Errors)
	}

	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
	if mb.publishCount() != 1 {
		t.Fatalf("broker publishes: %d, want 1", mb.publishCount())
	}
	ge := got.Load().(Event)
	if ge.ID != e.ID || ge.Category != CategoryPlayerAction || string(ge.Data) != `{"x":3,"y":7}` {
		t.Fatalf("event mangled in transit: %+v", ge)
	}
}

// 自身发出的 pub/sub 回声被丢弃，本地订阅只收到一次。
func TestBridge_DropsOwnEcho(t *testing.T) {
	mb := newMemBroker()
	a := newTestBus(t, Config{}, WithBroker(mb))
	var calls atomic.Int64
	a.Subscribe(SubscriptionSpec{SubscriberID: "s1", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error { calls.Add(1); return nil })

	e := NewEvent(CategoryPlayerAction, "move", "p1", json.RawMessage(`{}`),
		EventTarget{Type: TargetGame, ID: "g1"})
	if res := a.Publish(context.Background(), e); !res.Success {
		t.Fatalf("publish: %+v", res.Errors)
	}
	waitFor(t, time.Second, func() bool { return mb.publishCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("echo not suppressed, calls=%d", calls.Load())
	}
}

// 入站事件只重入本地分发，绝不再次外发（无扇出环）。
func TestBridge_InboundNotReforwarded(t *testing.T) {
	a, b, mb := twoBuses(t, Config{})
	var calls atomic.Int64
	b.Subscribe(SubscriptionSpec{SubscriberID: "s1", Categories: []Category{CategoryChat}},
		func(ctx context.Context, e Event) error { calls.Add(1); return nil })
	// a 也订阅，使其通道接通，能收到 b 的回发（若有）
	a.Subscribe(SubscriptionSpec{SubscriberID: "s2", Categories: []Category{CategoryChat}},
		func(ctx context.Context, e Event) error { return nil })

	e := NewEvent(CategoryChat, "message", "p1", json.RawMessage(`{"text":"gg"}`),
		EventTarget{Type: TargetRoom, ID: "r1"})
	a.Publish(context.Background(), e)
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if mb.publishCount() != 1 {
		t.Fatalf("fan-out loop: broker publishes %d, want 1", mb.publishCount())
	}
}

// 通配与精确通道同时接通时，同一消息只处理一次。
func TestBridge_WildcardExactNoDoubleDelivery(t *testing.T) {
	a, b, _ := twoBuses(t, Config{})
	var wildCalls, exactCalls atomic.Int64
	b.Subscribe(SubscriptionSpec{SubscriberID: "wild", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error { wildCalls.Add(1); return nil })
	b.Subscribe(SubscriptionSpec{SubscriberID: "exact", Categories: []Category{CategoryPlayerAction},
		EventTypes: []string{"bomb_place"}},
		func(ctx context.Context, e Event) error { exactCalls.Add(1); return nil })

	e := NewEvent(CategoryPlayerAction, "bomb_place", "p1", json.RawMessage(`{}`),
		EventTarget{Type: TargetGame, ID: "g1"})
	a.Publish(context.Background(), e)
	waitFor(t, time.Second, func() bool { return exactCalls.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if wildCalls.Load() != 1 || exactCalls.Load() != 1 {
		t.Fatalf("double delivery: wild=%d exact=%d", wildCalls.Load(), exactCalls.Load())
	}
}

// broker 重复投递下 exactly-once 订阅只被调用一次。
func TestBridge_ExactlyOnceAcrossRedelivery(t *testing.T) {
	a, b, mb := twoBuses(t, Config{})
	var calls atomic.Int64
	b.Subscribe(SubscriptionSpec{SubscriberID: "s1", Categories: []Category{CategoryGameState}},
		func(ctx context.Context, e Event) error { calls.Add(1); return nil })

	e := NewEvent(CategoryGameState, "score_update", "srv", json.RawMessage(`{"score":10}`),
		EventTarget{Type: TargetGame, ID: "g1"})
	e.Meta.DeliveryMode = ExactlyOnce
	a.Publish(context.Background(), e)
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })

	mb.redeliver(context.Background(), mb.lastPublished())
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("redelivery not deduplicated, calls=%d", calls.Load())
	}
}

// 出站队列满：发布快速失败，纯本地事件不受影响。
func TestBridge_QueueFullFailsFast(t *testing.T) {
	mb := newMemBroker()
	// 不 Start：刷出循环不运行，队列只进不出
	b, err := New(context.Background(), Config{Bridge: BridgeConfig{QueueDepth: 2}}, WithBroker(mb))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	mk := func(id string) Event {
		e := NewEvent(CategoryChat, "message", "p1", json.RawMessage(`{}`),
			EventTarget{Type: TargetRoom, ID: "r1"})
		e.ID = id
		return e
	}
	for i, id := range []string{"q1", "q2"} {
		if res := b.Publish(context.Background(), mk(id)); !res.Success {
			t.Fatalf("publish %d: %+v", i, res.Errors)
		}
	}
	res := b.Publish(context.Background(), mk("q3"))
	if res.Success {
		t.Fatalf("expected fail-fast on full queue")
	}
	var be *BrokerUnavailableError
	if !errors.As(res.Errors[0].Err, &be) || !errors.Is(be, ErrQueueFull) {
		t.Fatalf("errors: %+v", res.Errors)
	}
	if b.QueueDepth() != 2 {
		t.Fatalf("depth: %d", b.QueueDepth())
	}

	// 仅 handler 目标的事件不经过桥接，照常成功
	local := NewEvent(CategorySystem, "gc", "srv", json.RawMessage(`{}`),
		EventTarget{Type: TargetHandler, ID: "janitor"})
	if lres := b.Publish(context.Background(), local); !lres.Success {
		t.Fatalf("local publish: %+v", lres.Errors)
	}
}

// broker 通道按 (category,type) 引用计数接通/拆除。
func TestBridge_ChannelRefCounting(t *testing.T) {
	mb := newMemBroker()
	b := newTestBus(t, Config{}, WithBroker(mb))

	id1, _ := b.Subscribe(SubscriptionSpec{SubscriberID: "s1", Categories: []Category{CategoryNotification}},
		func(ctx context.Context, e Event) error { return nil })
	id2, _ := b.Subscribe(SubscriptionSpec{SubscriberID: "s2", Categories: []Category{CategoryNotification}},
		func(ctx context.Context, e Event) error { return nil })
	if mb.activeSubs() != 1 {
		t.Fatalf("shared channel must consume once, got %d", mb.activeSubs())
	}
	b.Unsubscribe(id1)
	if mb.activeSubs() != 1 {
		t.Fatalf("channel torn down while still referenced")
	}
	b.Unsubscribe(id2)
	waitFor(t, time.Second, func() bool { return mb.activeSubs() == 0 })
}

// 同一订阅者并发订阅与全量退订：退订绝不越过对应的接通，
// 全部退订后不得残留无人订阅却仍在消费的 broker 通道。
func TestBridge_ConcurrentSubscribeUnsubscribeNoLeak(t *testing.T) {
	mb := newMemBroker()
	b := newTestBus(t, Config{}, WithBroker(mb))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Subscribe(SubscriptionSpec{SubscriberID: "racer", Categories: []Category{CategoryChat}, EventTypes: []string{"msg"}},
				func(ctx context.Context, e Event) error { return nil })
		}()
		go func() {
			defer wg.Done()
			b.UnsubscribeAll("racer")
		}()
	}
	wg.Wait()
	b.UnsubscribeAll("racer")
	if n := mb.activeSubs(); n != 0 {
		t.Fatalf("leaked broker consumers: %d", n)
	}
}
