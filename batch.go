package gamebus

import (
	"container/heap"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// wireBatch 出站 broker 消息：同通道事件序列，消费侧仍按 eventId 逐个寻址。
type wireBatch struct {
	Channel string            `json:"channel"`
	Events  []json.RawMessage `json:"events"`
}

// openBatch 通道上未满的批。ready 后进入优先级队列等待刷出；
// 超时定时器到期则绕过队列立即刷出，低优先级批绝不被饿死。
type openBatch struct {
	channel string
	events  []json.RawMessage
	prio    int
	seq     uint64
	timer   *clock.Timer
	state   int // 0=open 1=ready 2=flushed
	index   int
	expired bool // 定时器已到期但被同通道前序批挡住
}

const (
	batchOpen = iota
	batchReady
	batchFlushed
)

// batcher 批处理与优先级调度器。仅作用于桥接出站流量，
// 本进程内分发从不批处理。队列有界：挂起事件达到上限后新入队快速失败。
type batcher struct {
	broker   Broker
	clock    clock.Clock
	m        *metrics
	logger   Logger
	cfg      map[Category]BatchConfig
	defCfg   BatchConfig
	maxDepth int
	prefix   string            // broker 通道名前缀
	headers  map[string]string // origin 标记等固定头

	// 同通道有序：每个通道同一时刻至多一个批在堆中或正在写 broker
	// （active），后续就绪批在 waiting 中按 seq 排队，发布完成后依次放行。
	// 优先级只在不同通道的批之间重排，绝不颠倒同通道的发布顺序。
	mu      sync.Mutex
	seq     uint64
	pending int
	open    map[string]*openBatch
	active  map[string]bool
	waiting map[string][]*openBatch
	ready   batchHeap
	nudge   chan struct{}
	closed  bool

	wg sync.WaitGroup
}

func newBatcher(broker Broker, clk clock.Clock, cfg map[Category]BatchConfig, maxDepth int, prefix string, headers map[string]string, m *metrics, logger Logger) *batcher {
	if maxDepth <= 0 {
		maxDepth = 4096
	}
	b := &batcher{
		broker:   broker,
		clock:    clk,
		m:        m,
		logger:   logger,
		cfg:      cfg,
		defCfg:   BatchConfig{BatchSize: 1},
		maxDepth: maxDepth,
		prefix:   prefix,
		headers:  headers,
		open:     make(map[string]*openBatch),
		active:   make(map[string]bool),
		waiting:  make(map[string][]*openBatch),
		nudge:    make(chan struct{}, 1),
	}
	return b
}

func (b *batcher) start(ctx context.Context) {
	b.wg.Add(1)
	go b.flushLoop(ctx)
}

// enqueue 事件进入出站队列。队列满返回 *BrokerUnavailableError（快速失败，
// 绝不无限阻塞生产者）；入队成功后 broker 写入相对调用方异步。
func (b *batcher) enqueue(e Event) error {
	raw, err := encodeEvent(e)
	if err != nil {
		return err
	}
	ch := e.channelKey()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.pending >= b.maxDepth {
		b.mu.Unlock()
		b.m.dropped()
		return &BrokerUnavailableError{Channel: ch, Err: ErrQueueFull}
	}
	cfg := b.configFor(e.Category)
	ob := b.open[ch]
	if ob == nil {
		b.seq++
		ob = &openBatch{channel: ch, seq: b.seq, state: batchOpen, index: -1}
		b.open[ch] = ob
		if cfg.BatchTimeout > 0 && cfg.BatchSize > 1 {
			batch := ob
			ob.timer = b.clock.AfterFunc(cfg.BatchTimeout, func() { b.flushExpired(batch) })
		}
	}
	ob.events = append(ob.events, raw)
	if r := e.Meta.Priority.rank(); r > ob.prio {
		ob.prio = r
	}
	b.pending++
	b.m.setQueueDepth(b.pending)

	if len(ob.events) >= cfg.BatchSize {
		b.markReady(ob)
	}
	b.mu.Unlock()
	return nil
}

func (b *batcher) configFor(c Category) BatchConfig {
	if cfg, ok := b.cfg[c]; ok && cfg.BatchSize > 0 {
		if cfg.BatchSize > 1 && cfg.BatchTimeout <= 0 {
			cfg.BatchTimeout = 50 * time.Millisecond
		}
		return cfg
	}
	return b.defCfg
}

// markReady 须持 b.mu。通道空闲时入堆参与优先级调度，
// 已有在途批时排入 waiting，等前序批发布完成。
func (b *batcher) markReady(ob *openBatch) {
	if ob.state != batchOpen {
		return
	}
	ob.state = batchReady
	if ob.timer != nil {
		ob.timer.Stop()
	}
	delete(b.open, ob.channel)
	if b.active[ob.channel] {
		b.waiting[ob.channel] = append(b.waiting[ob.channel], ob)
		return
	}
	b.active[ob.channel] = true
	heap.Push(&b.ready, ob)
	select {
	case b.nudge <- struct{}{}:
	default:
	}
}

// flushExpired 批超时：无视其他通道更高优先级的待刷批，立即刷出。
// 同通道前序批未发布时不能抢先，标记 expired 待放行时直接刷出。
func (b *batcher) flushExpired(ob *openBatch) {
	b.mu.Lock()
	switch {
	case ob.state == batchFlushed:
		b.mu.Unlock()
		return
	case ob.state == batchReady && ob.index >= 0:
		// 在堆中即为通道头，摘下直接刷
		heap.Remove(&b.ready, ob.index)
	case ob.state == batchReady:
		// 在 waiting 中排队，放行时不再回堆
		ob.expired = true
		b.mu.Unlock()
		return
	case b.active[ob.channel]:
		delete(b.open, ob.channel)
		ob.state = batchReady
		ob.expired = true
		b.waiting[ob.channel] = append(b.waiting[ob.channel], ob)
		b.mu.Unlock()
		return
	default:
		delete(b.open, ob.channel)
		b.active[ob.channel] = true
	}
	ob.state = batchFlushed
	b.pending -= len(ob.events)
	b.m.setQueueDepth(b.pending)
	b.mu.Unlock()

	b.publish(ob)
	b.release(ob.channel)
}

// flushLoop 按优先级刷出就绪批；同优先级按就绪顺序 FIFO。
func (b *batcher) flushLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.nudge:
		}
		for {
			b.mu.Lock()
			if b.ready.Len() == 0 {
				b.mu.Unlock()
				break
			}
			ob := heap.Pop(&b.ready).(*openBatch)
			ob.state = batchFlushed
			b.pending -= len(ob.events)
			b.m.setQueueDepth(b.pending)
			b.mu.Unlock()
			b.publish(ob)
			b.release(ob.channel)
		}
	}
}

// release 通道的在途批发布完成后放行下一个 waiting 批：
// 定时器已到期的直接刷出，否则入堆参与优先级调度。
func (b *batcher) release(ch string) {
	for {
		b.mu.Lock()
		q := b.waiting[ch]
		if len(q) == 0 {
			delete(b.active, ch)
			b.mu.Unlock()
			return
		}
		nb := q[0]
		q[0] = nil
		if len(q) == 1 {
			delete(b.waiting, ch)
		} else {
			b.waiting[ch] = q[1:]
		}
		if !nb.expired {
			heap.Push(&b.ready, nb)
			b.mu.Unlock()
			select {
			case b.nudge <- struct{}{}:
			default:
			}
			return
		}
		nb.state = batchFlushed
		b.pending -= len(nb.events)
		b.m.setQueueDepth(b.pending)
		b.mu.Unlock()
		b.publish(nb)
	}
}

// publish 写 broker；失败只记录与计数，绝不传播回发布方。
func (b *batcher) publish(ob *openBatch) {
	body, err := json.Marshal(wireBatch{Channel: ob.channel, Events: ob.events})
	if err != nil {
		b.logger.Error(context.Background(), "batch encode failed", "channel", ob.channel, "err", err)
		return
	}
	msg := BrokerMessage{Channel: b.prefix + ob.channel, Body: body, Headers: b.headers}
	if err := b.broker.Publish(context.Background(), msg); err != nil {
		b.logger.Error(context.Background(), "broker publish failed", "channel", ob.channel, "events", len(ob.events), "err", err)
		return
	}
	b.m.outbound(len(ob.events))
}

// close 停止接收并尽力刷出剩余批，同通道仍按创建顺序写出。
func (b *batcher) close(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	rest := make([]*openBatch, 0, len(b.open)+b.ready.Len())
	for _, ob := range b.open {
		if ob.timer != nil {
			ob.timer.Stop()
		}
		ob.state = batchFlushed
		rest = append(rest, ob)
	}
	b.open = map[string]*openBatch{}
	for b.ready.Len() > 0 {
		ob := heap.Pop(&b.ready).(*openBatch)
		ob.state = batchFlushed
		rest = append(rest, ob)
	}
	for _, q := range b.waiting {
		for _, ob := range q {
			ob.state = batchFlushed
			rest = append(rest, ob)
		}
	}
	b.waiting = map[string][]*openBatch{}
	b.pending = 0
	b.m.setQueueDepth(0)
	b.mu.Unlock()

	sort.Slice(rest, func(i, j int) bool { return rest[i].seq < rest[j].seq })
	for _, ob := range rest {
		b.publish(ob)
	}
}

// depth 当前挂起事件数。
func (b *batcher) depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// ---- 优先级堆 ----

type batchHeap []*openBatch

func (h batchHeap) Len() int { return len(h) }
func (h batchHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio > h[j].prio
	}
	return h[i].seq < h[j].seq
}
func (h batchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *batchHeap) Push(x interface{}) {
	ob := x.(*openBatch)
	ob.index = len(*h)
	*h = append(*h, ob)
}
func (h *batchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ob := old[n-1]
	old[n-1] = nil
	ob.index = -1
	*h = old[:n-1]
	return ob
}
