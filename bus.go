package gamebus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	cronv3 "github.com/robfig/cron/v3"
)

// Bus 对外统一入口：发布管道、订阅注册表、投递引擎与分布式桥接的聚合。
// 通过 New 构造，按配置装配具体 broker 适配器与策略。
// 所有方法并发安全；阻塞操作要求调用方传递 context 控制超时/取消。
type Bus struct {
	cfg    Config
	logger Logger
	clock  clock.Clock

	reg     *registry
	v       *validator
	eng     *engine
	p       *pipeline
	br      *bridge
	batcher *batcher
	broker  Broker
	store   EventStore
	m       *metrics
	conns   *ConnManager
	cron    *cronv3.Cron

	promReg prometheus.Registerer

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Option 注入替换默认行为。
type Option func(*Bus)

// WithLogger 注入自定义日志实现。
func WithLogger(l Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock 注入时钟，重试与批处理定时可用 mock 时钟测试。
func WithClock(c clock.Clock) Option {
	return func(b *Bus) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithBroker 注入 Broker 实现，优先于配置的 Provider。
func WithBroker(br Broker) Option {
	return func(b *Bus) {
		if br != nil {
			b.broker = br
		}
	}
}

// WithStore 注入持久化协作方，优先于配置的 SQLite 路径。
func WithStore(s EventStore) Option {
	return func(b *Bus) {
		if s != nil {
			b.store = s
		}
	}
}

// WithRegisterer 注册 prometheus 指标到指定 Registerer。
// 缺省不注册（指标仍然采集，避免同进程多实例重复注册冲突）。
func WithRegisterer(r prometheus.Registerer) Option {
	return func(b *Bus) { b.promReg = r }
}

// New 创建 Bus 实例。
func New(ctx context.Context, cfg Config, opts ...Option) (*Bus, error) {
	cfg = cfg.withDefaults()
	bctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:    cfg,
		logger: defaultLogger{},
		clock:  clock.New(),
		ctx:    bctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(b)
	}

	// 按 Provider 装配 broker；未配置则单进程降级模式
	if b.broker == nil {
		switch cfg.Broker.Provider {
		case BrokerRedis:
			br, err := newRedisBroker(cfg.Broker.Redis, b.logger)
			if err != nil {
				cancel()
				return nil, err
			}
			b.broker = br
		case BrokerRabbitMQ:
			br, err := newRabbitBroker(cfg.Broker.RabbitMQ, b.logger)
			if err != nil {
				cancel()
				return nil, err
			}
			b.broker = br
		default:
			b.broker = newNoopBroker()
		}
	}

	// 去重窗口：提供 KV/Redis 参数则跨进程共享，否则进程内 LRU
	dedup := cfg.Dedup.KV
	if dedup == nil && cfg.Dedup.RedisAddr != "" {
		dedup = RedisKV{R: redis.NewClient(&redis.Options{
			Addr: cfg.Dedup.RedisAddr, Username: cfg.Dedup.RedisUsername,
			Password: cfg.Dedup.RedisPassword, DB: cfg.Dedup.RedisDB,
		})}
	}
	if dedup == nil {
		dedup = newMemoryKV(cfg.Dedup.TTL, 0)
	}

	b.reg = newRegistry()
	b.m = newMetrics(b.promReg, "gamebus", b.reg.count, func() int {
		if b.conns == nil {
			return 0
		}
		return b.conns.Count()
	})
	b.v = newValidator(cfg.MaxEventSize, cfg.BroadcastCategories, cfg.RetentionWindow, 0)
	b.eng = newEngine(b.reg, cfg.Retry, b.clock, dedup, cfg.Dedup.Prefix, b.m, b.logger)
	b.p = newPipeline(b.v, b.reg, b.eng, b.clock, b.m, b.logger)

	instanceID := uuid.NewString()
	prefix := cfg.channelPrefix()
	b.batcher = newBatcher(b.broker, b.clock, cfg.Batch, cfg.Bridge.QueueDepth, prefix,
		map[string]string{headerOrigin: instanceID}, b.m, b.logger)
	b.br = newBridge(b.p, b.broker, b.batcher, prefix, instanceID, b.logger)
	b.p.br = b.br
	b.reg.onAttach = b.br.attach
	b.reg.onDetach = b.br.detach

	b.conns = newConnManager(b, cfg.Bridge.ReplayWindow, cfg.Bridge.ReplayMaxEvents, b.logger)

	// 默认中间件装配：追踪、持久化
	if cfg.EnableTracing {
		b.p.use(tracingMiddleware())
	}
	if b.store == nil && cfg.EnablePersistence {
		store, err := NewSQLiteStore(cfg.PersistencePath)
		if err != nil {
			cancel()
			return nil, err
		}
		b.store = store
	}
	if b.store != nil {
		b.p.use(persistenceMiddleware(b.store, b.logger))
	}

	b.cron = cronv3.New()
	return b, nil
}

// Start 启动后台任务：出站刷出循环与周期维护（指标上报、
// 重放窗口清理、审计裁剪）。
func (b *Bus) Start(ctx context.Context) error {
	b.batcher.start(b.ctx)

	interval := b.cfg.Monitoring.MetricsInterval
	if _, err := b.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		b.m.report(b.ctx, b.logger, interval.Seconds(), b.cfg.Monitoring.AlertErrorRate)
	}); err != nil {
		return err
	}
	if _, err := b.cron.AddFunc("@every 1s", func() {
		b.conns.sweep(time.Now())
	}); err != nil {
		return err
	}
	if b.store != nil {
		if _, err := b.cron.AddFunc("@every 10m", func() {
			cutoff := time.Now().Add(-b.cfg.PersistenceRetention)
			if n, err := b.store.Prune(b.ctx, cutoff); err != nil {
				b.logger.Error(b.ctx, "event store prune failed", "err", err)
			} else if n > 0 {
				b.logger.Info(b.ctx, "event store pruned", "rows", n)
			}
		}); err != nil {
			return err
		}
	}
	b.cron.Start()
	return nil
}

// Close 优雅关闭：断开连接、拆除桥接通道、尽力刷出出站队列并释放资源。
func (b *Bus) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cron.Stop()
	b.conns.closeAll()
	b.br.close(ctx)
	b.batcher.close(ctx)
	b.cancel()
	if err := b.broker.Close(ctx); err != nil {
		b.logger.Error(ctx, "broker close failed", "err", err)
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.logger.Error(ctx, "event store close failed", "err", err)
		}
	}
	return nil
}

// Publish 发布事件。总是返回完整的 PublishResult，调用方必须检查
// Success 与 Errors，不得仅凭未 panic 就假定送达。
func (b *Bus) Publish(ctx context.Context, e Event) PublishResult {
	if b.closed.Load() {
		return PublishResult{
			Success: false,
			EventID: e.ID,
			Errors:  []DeliveryError{{Err: ErrBusClosed, Message: ErrBusClosed.Error()}},
		}
	}
	// 缺省元数据补齐；已填字段一律不改写
	if e.Meta.Priority == "" {
		e.Meta.Priority = PriorityNormal
	}
	if e.Meta.DeliveryMode == "" {
		e.Meta.DeliveryMode = FireAndForget
	}
	if e.Meta.TTL <= 0 {
		e.Meta.TTL = b.cfg.DefaultTTL
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}
	if e.Version == "" {
		e.Version = SchemaVersion
	}
	return b.p.publish(ctx, e)
}

// Subscribe 登记订阅并返回订阅 id。
func (b *Bus) Subscribe(spec SubscriptionSpec, h Handler) (string, error) {
	if b.closed.Load() {
		return "", ErrBusClosed
	}
	sub, err := b.reg.subscribe(spec, h)
	if err != nil {
		return "", err
	}
	return sub.ID, nil
}

// Unsubscribe 退订；未知 id 为 no-op。在途重试随之停止。
func (b *Bus) Unsubscribe(id string) { b.reg.unsubscribe(id) }

// UnsubscribeAll 移除订阅者名下全部订阅。
func (b *Bus) UnsubscribeAll(subscriberID string) { b.reg.unsubscribeAll(subscriberID) }

// Use 追加发布管道中间件，按注册顺序执行。
func (b *Bus) Use(mw Middleware) { b.p.use(mw) }

// Connections 网络客户端连接层（http.Handler，升级 WebSocket）。
func (b *Bus) Connections() *ConnManager { return b.conns }

// QueueDepth 桥接出站队列当前挂起事件数。
func (b *Bus) QueueDepth() int { return b.batcher.depth() }
