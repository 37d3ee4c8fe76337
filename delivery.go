package gamebus

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryPolicy 投递引擎重试策略，仅约束本层重试，不涉及 broker 层。
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// NextBackoff 第 attempt 次失败后的回退时长；超过 MaxAttempts 返回 false。
// attempt 从 1 开始计数（首次调用不算重试）。
func (p RetryPolicy) NextBackoff(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, true
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// DeliveryError 单个订阅的投递失败记录。
type DeliveryError struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Err            error  `json:"-"`
	Message        string `json:"error"`
	WillRetry      bool   `json:"willRetry"`
}

// deliveryOutcome 单订阅投递结果。
type deliveryOutcome struct {
	reached   bool
	cancelled bool
	err       *DeliveryError
}

// engine 投递保证引擎：按事件的 deliveryMode 独立投递给每个匹配订阅。
// 各订阅的失败与重试互不阻塞（处理器调用期间不持有任何跨订阅的锁）。
type engine struct {
	reg    *registry
	policy RetryPolicy
	clock  clock.Clock
	dedup  KV
	prefix string // 去重键前缀，含 namespace
	m      *metrics
	logger Logger
}

func newEngine(reg *registry, policy RetryPolicy, clk clock.Clock, dedup KV, prefix string, m *metrics, logger Logger) *engine {
	return &engine{
		reg:    reg,
		policy: policy.withDefaults(),
		clock:  clk,
		dedup:  dedup,
		prefix: prefix,
		m:      m,
		logger: logger,
	}
}

// deliverAll 并发投递给全部订阅，等待全部到达终态后返回各自结果。
// 同一生产者对同一通道的发布因 Publish 同步等待本地落定而保持有序。
func (d *engine) deliverAll(ctx context.Context, e Event, subs []*Subscription) []deliveryOutcome {
	outs := make([]deliveryOutcome, len(subs))
	done := make(chan int, len(subs))
	for i, s := range subs {
		go func(i int, s *Subscription) {
			outs[i] = d.deliver(ctx, e, s)
			done <- i
		}(i, s)
	}
	for range subs {
		<-done
	}
	return outs
}

// deliver 单订阅投递状态机。
func (d *engine) deliver(ctx context.Context, e Event, s *Subscription) deliveryOutcome {
	switch e.Meta.DeliveryMode {
	case AtLeastOnce:
		return d.deliverRetry(ctx, e, s, false)
	case ExactlyOnce:
		return d.deliverRetry(ctx, e, s, true)
	default:
		return d.deliverOnce(ctx, e, s)
	}
}

// deliverOnce fire-and-forget：调用一次，异常只记录，不重试。
func (d *engine) deliverOnce(ctx context.Context, e Event, s *Subscription) deliveryOutcome {
	if err := d.invoke(ctx, e, s); err != nil {
		d.m.handlerFailure(e.Category)
		d.logger.Error(ctx, "handler failed", "event", e.ID, "sub", s.ID, "err", err)
		he := &HandlerError{SubscriptionID: s.ID, Attempts: 1, Err: err}
		return deliveryOutcome{err: &DeliveryError{SubscriptionID: s.ID, Err: he, Message: he.Error()}}
	}
	return deliveryOutcome{reached: true}
}

// deliverRetry at-least-once / exactly-once 路径。
// exactly-once 在首次调用前用 SetNX 占位：占位失败说明窗口内已投递，
// 跳过调用并按成功上报；投递终态失败时释放占位，保留后续重投的机会。
func (d *engine) deliverRetry(ctx context.Context, e Event, s *Subscription, dedup bool) deliveryOutcome {
	key := ""
	if dedup {
		key = d.dedupKey(s.SubscriberID, e.ID)
		ttl := e.Meta.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := d.dedup.SetNX(ctx, key, "1", ttl)
		if err != nil {
			d.logger.Error(ctx, "dedup check failed, delivering anyway", "event", e.ID, "err", err)
		} else if !ok {
			d.m.dedupSkip(e.Category)
			return deliveryOutcome{reached: true}
		}
	}

	deadline, hasDeadline := e.deadline()
	var lastErr error
	for attempt := 1; ; attempt++ {
		if hasDeadline && d.clock.Now().After(deadline) {
			return d.terminate(ctx, e, s, key, attempt-1, fmt.Errorf("ttl expired: %w", orErr(lastErr)))
		}
		lastErr = d.invoke(ctx, e, s)
		if lastErr == nil {
			return deliveryOutcome{reached: true}
		}
		d.m.handlerFailure(e.Category)

		backoff, more := d.policy.NextBackoff(attempt)
		if !more {
			return d.terminate(ctx, e, s, key, attempt, lastErr)
		}
		if hasDeadline {
			if wait := deadline.Sub(d.clock.Now()); wait < backoff {
				backoff = wait
			}
		}
		d.m.retryScheduled(e.Category)
		select {
		case <-ctx.Done():
			return d.terminate(ctx, e, s, key, attempt, ctx.Err())
		case <-d.clock.After(backoff):
		}
		// 退订取消在途重试：停止本订阅的后续尝试，不影响其它订阅。
		if !d.reg.active(s.ID) {
			d.m.retryCancelled(e.Category)
			d.logger.Info(ctx, "retry cancelled by unsubscribe", "event", e.ID, "sub", s.ID)
			if key != "" {
				_ = d.dedup.Del(ctx, key)
			}
			return deliveryOutcome{cancelled: true}
		}
	}
}

// terminate 终态失败：上报 DeliveryTimeoutError 并释放去重占位。
func (d *engine) terminate(ctx context.Context, e Event, s *Subscription, key string, attempts int, cause error) deliveryOutcome {
	if key != "" {
		_ = d.dedup.Del(ctx, key)
	}
	te := &DeliveryTimeoutError{SubscriptionID: s.ID, Attempts: attempts, Err: cause}
	d.logger.Error(ctx, "delivery failed terminally", "event", e.ID, "sub", s.ID, "attempts", attempts, "err", cause)
	return deliveryOutcome{err: &DeliveryError{SubscriptionID: s.ID, Err: te, Message: te.Error()}}
}

// invoke 调用处理器并吸收 panic，单个订阅的崩溃绝不波及总线。
func (d *engine) invoke(ctx context.Context, e Event, s *Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, e)
}

// dedupKey 规整后的去重键：prefix + sha1(subscriber|event)。
func (d *engine) dedupKey(subscriberID, eventID string) string {
	h := sha1.Sum([]byte(subscriberID + "|" + eventID))
	return d.prefix + ":" + hex.EncodeToString(h[:])
}

func orErr(err error) error {
	if err == nil {
		return fmt.Errorf("no attempt completed")
	}
	return err
}
