package gamebus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// headerOrigin 出站消息的来源实例标记，用于丢弃自身回声与防止扇出环。
const headerOrigin = "origin"

// bridgeChannel broker 通道的引用计数状态。
// 首个匹配的本地订阅建立时懒创建，最后一个退订时拆除。
type bridgeChannel struct {
	key  string
	refs int
	stop func(context.Context) error
}

// bridge 分布式桥接：让多进程与网络客户端共享同一逻辑总线。
// 出站经 batcher 有界队列写 broker；入站解包后从管道的 resolve 步骤
// 重入，绝不再次外发。
type bridge struct {
	p          *pipeline
	broker     Broker
	batcher    *batcher
	logger     Logger
	prefix     string // broker 通道名前缀 gb:{namespace}:
	instanceID string

	mu       sync.Mutex
	channels map[string]*bridgeChannel
	ctx      context.Context
	cancel   context.CancelFunc
}

func newBridge(p *pipeline, broker Broker, batcher *batcher, prefix, instanceID string, logger Logger) *bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &bridge{
		p:          p,
		broker:     broker,
		batcher:    batcher,
		logger:     logger,
		prefix:     prefix,
		instanceID: instanceID,
		channels:   make(map[string]*bridgeChannel),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// forward 出站扇出入口：入队即返回，broker 写入异步完成。
// 队列满时返回 *BrokerUnavailableError，由发布结果上报。
func (b *bridge) forward(_ context.Context, e Event) error {
	return b.batcher.enqueue(e)
}

// attach (category,type) 对出现首个本地订阅时接通对应 broker 通道。
func (b *bridge) attach(c Category, typ string) {
	key := channelKey(c, typ)
	b.mu.Lock()
	ch := b.channels[key]
	if ch != nil {
		ch.refs++
		b.mu.Unlock()
		return
	}
	ch = &bridgeChannel{key: key, refs: 1}
	b.channels[key] = ch
	b.mu.Unlock()

	stop, err := b.broker.Consume(b.ctx, b.prefix+key, b.instanceID, b.inboundHandler(key))
	if err != nil {
		b.logger.Error(b.ctx, "broker attach failed, continuing in local-only mode", "channel", key, "err", err)
		return
	}
	b.mu.Lock()
	ch.stop = stop
	b.mu.Unlock()
}

// detach 引用计数归零时断开 broker 通道。
func (b *bridge) detach(c Category, typ string) {
	key := channelKey(c, typ)
	b.mu.Lock()
	ch := b.channels[key]
	if ch == nil {
		b.mu.Unlock()
		return
	}
	ch.refs--
	if ch.refs > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.channels, key)
	b.mu.Unlock()

	if ch.stop != nil {
		if err := ch.stop(context.Background()); err != nil {
			b.logger.Error(context.Background(), "broker detach failed", "channel", key, "err", err)
		}
	}
}

// attached 指定通道键当前是否接通。
func (b *bridge) attached(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[key] != nil
}

// inboundHandler 为通道构造入站处理器。规则：
//   - 自身发出的消息直接丢弃（pub/sub 回声）；
//   - 通配通道收到的消息，若其精确通道也已接通则跳过，避免双投；
//   - 事件解包后经 dispatchLocal 重入，只解析本地订阅，不再外发。
func (b *bridge) inboundHandler(attachedKey string) BrokerHandler {
	wildcard := strings.HasSuffix(attachedKey, "."+WildcardID)
	return func(ctx context.Context, msg BrokerMessage) error {
		if msg.Headers[headerOrigin] == b.instanceID {
			return nil
		}
		var batch wireBatch
		if err := json.Unmarshal(msg.Body, &batch); err != nil {
			b.logger.Error(ctx, "inbound decode failed", "channel", attachedKey, "err", err)
			return nil
		}
		if wildcard && batch.Channel != attachedKey && b.attached(batch.Channel) {
			return nil
		}
		for _, raw := range batch.Events {
			e, err := decodeEvent(raw)
			if err != nil {
				b.logger.Error(ctx, "inbound event decode failed", "channel", attachedKey, "err", err)
				continue
			}
			b.p.dispatchLocal(ctx, e)
		}
		return nil
	}
}

// close 拆除全部通道并停止入站消费。
func (b *bridge) close(ctx context.Context) {
	b.cancel()
	b.mu.Lock()
	chans := make([]*bridgeChannel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.channels = map[string]*bridgeChannel{}
	b.mu.Unlock()
	for _, ch := range chans {
		if ch.stop != nil {
			_ = ch.stop(ctx)
		}
	}
}
