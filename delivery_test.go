package gamebus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 2.0, MaxDelay: 10 * time.Millisecond}
}

func actionEvent(id string) Event {
	e := NewEvent(CategoryPlayerAction, "bomb_place", "p1", json.RawMessage(`{"x":1}`),
		EventTarget{Type: TargetGame, ID: "g1"})
	if id != "" {
		e.ID = id
	}
	return e
}

// 场景：at-least-once 处理器先失败两次再成功，恰好 3 次调用且结果成功。
func TestDelivery_AtLeastOnceRetriesUntilSuccess(t *testing.T) {
	b := newTestBus(t, Config{Retry: fastRetry()})
	var calls atomic.Int64
	_, err := b.Subscribe(SubscriptionSpec{SubscriberID: "s1", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	e := actionEvent("e1")
	e.Meta.DeliveryMode = AtLeastOnce
	res := b.Publish(context.Background(), e)
	if !res.Success {
		t.Fatalf("expected success, errors: %+v", res.Errors)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("invocations: %d, want 3", n)
	}
	if res.TargetsReached != 1 {
		t.Fatalf("targetsReached: %d", res.TargetsReached)
	}
}

func TestDelivery_AtLeastOnceExhaustsRetries(t *testing.T) {
	b := newTestBus(t, Config{Retry: fastRetry()})
	var calls atomic.Int64
	b.Subscribe(SubscriptionSpec{SubscriberID: "s1", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error {
			calls.Add(1)
			return errors.New("permanent")
		})

	e := actionEvent("e2")
	e.Meta.DeliveryMode = AtLeastOnce
	res := b.Publish(context.Background(), e)
	if res.Success {
		t.Fatalf("expected terminal failure")
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("invocations: %d, want maxAttempts=3", n)
	}
	if len(res.Errors) != 1 || res.Errors[0].WillRetry {
		t.Fatalf("errors: %+v", res.Errors)
	}
	var te *DeliveryTimeoutError
	if !errors.As(res.Errors[0].Err, &te) {
		t.Fatalf("expected DeliveryTimeoutError, got %v", res.Errors[0].Err)
	}
}

func TestDelivery_FireAndForgetNeverRetries(t *testing.T) {
	b := newTestBus(t, Config{Retry: fastRetry()})
	var calls atomic.Int64
	b.Subscribe(SubscriptionSpec{SubscriberID: "s1", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error {
			calls.Add(1)
			return errors.New("boom")
		})

	res := b.Publish(context.Background(), actionEvent("e3"))
	if calls.Load() != 1 {
		t.Fatalf("invocations: %d, want exactly 1", calls.Load())
	}
	if res.Success || len(res.Errors) != 1 {
		t.Fatalf("failure must be reported: %+v", res)
	}
	var he *HandlerError
	if !errors.As(res.Errors[0].Err, &he) {
		t.Fatalf("expected HandlerError, got %v", res.Errors[0].Err)
	}
}

// 处理器 panic 被吸收为错误，不影响其它订阅。
func TestDelivery_HandlerPanicIsContained(t *testing.T) {
	b := newTestBus(t, Config{Retry: fastRetry()})
	var healthy atomic.Int64
	b.Subscribe(SubscriptionSpec{SubscriberID: "bad", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error { panic("kaboom") })
	b.Subscribe(SubscriptionSpec{SubscriberID: "good", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error { healthy.Add(1); return nil })

	res := b.Publish(context.Background(), actionEvent("e4"))
	if healthy.Load() != 1 {
		t.Fatalf("healthy subscriber must still receive")
	}
	if res.TargetsReached != 1 || len(res.Errors) != 1 {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.Errors[0].Message, "panic") {
		t.Fatalf("panic not surfaced: %s", res.Errors[0].Message)
	}
}

// exactly-once：同一事件对同一订阅者只有一次实际调用。
func TestDelivery_ExactlyOnceDeduplicates(t *testing.T) {
	b := newTestBus(t, Config{Retry: fastRetry()})
	var calls atomic.Int64
	b.Subscribe(SubscriptionSpec{SubscriberID: "s1", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error { calls.Add(1); return nil })

	e := actionEvent("dup-1")
	e.Meta.DeliveryMode = ExactlyOnce

	res1 := b.Publish(context.Background(), e)
	if !res1.Success || calls.Load() != 1 {
		t.Fatalf("first delivery: %+v calls=%d", res1, calls.Load())
	}

	// 绕过管道校验，模拟传输层重复投递
	subs := b.reg.resolve(e)
	outs := b.eng.deliverAll(context.Background(), e, subs)
	if len(outs) != 1 || !outs[0].reached || outs[0].err != nil {
		t.Fatalf("redelivery must report success: %+v", outs)
	}
	if calls.Load() != 1 {
		t.Fatalf("effective invocations: %d, want 1", calls.Load())
	}
}

// 在途重试期间退订：停止后续尝试，另一订阅不受影响。
func TestDelivery_UnsubscribeCancelsInflightRetry(t *testing.T) {
	b := newTestBus(t, Config{
		Retry: RetryPolicy{MaxAttempts: 5, BaseDelay: 80 * time.Millisecond, BackoffMultiplier: 1.0, MaxDelay: 80 * time.Millisecond},
	})
	var flakyCalls, steadyCalls atomic.Int64
	started := make(chan struct{}, 1)
	flakyID, _ := b.Subscribe(SubscriptionSpec{SubscriberID: "flaky", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error {
			flakyCalls.Add(1)
			select {
			case started <- struct{}{}:
			default:
			}
			return errors.New("always failing")
		})
	b.Subscribe(SubscriptionSpec{SubscriberID: "steady", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error { steadyCalls.Add(1); return nil })

	e := actionEvent("e5")
	e.Meta.DeliveryMode = AtLeastOnce
	resCh := make(chan PublishResult, 1)
	go func() { resCh <- b.Publish(context.Background(), e) }()

	<-started // 首次失败后处于回退等待
	b.Unsubscribe(flakyID)

	res := <-resCh
	if n := flakyCalls.Load(); n != 1 {
		t.Fatalf("flaky invocations after unsubscribe: %d, want 1", n)
	}
	if steadyCalls.Load() != 1 || res.TargetsReached != 1 {
		t.Fatalf("steady subscriber affected: calls=%d res=%+v", steadyCalls.Load(), res)
	}
	// 取消既不是送达也不是错误
	if len(res.Errors) != 0 {
		t.Fatalf("cancelled delivery must not surface an error: %+v", res.Errors)
	}
}

// TTL 截止后停止重试并报告终态失败。
func TestDelivery_TTLBoundsRetries(t *testing.T) {
	b := newTestBus(t, Config{
		Retry: RetryPolicy{MaxAttempts: 100, BaseDelay: 20 * time.Millisecond, BackoffMultiplier: 1.0, MaxDelay: 20 * time.Millisecond},
	})
	var calls atomic.Int64
	b.Subscribe(SubscriptionSpec{SubscriberID: "s1", Categories: []Category{CategoryPlayerAction}},
		func(ctx context.Context, e Event) error { calls.Add(1); return errors.New("nope") })

	e := actionEvent("e6")
	e.Meta.DeliveryMode = AtLeastOnce
	e.Meta.TTL = 50 * time.Millisecond
	res := b.Publish(context.Background(), e)
	if res.Success {
		t.Fatalf("expected failure after ttl")
	}
	if calls.Load() >= 100 {
		t.Fatalf("ttl must cut retries short")
	}
	var te *DeliveryTimeoutError
	if !errors.As(res.Errors[0].Err, &te) {
		t.Fatalf("expected DeliveryTimeoutError, got %v", res.Errors[0].Err)
	}
}
