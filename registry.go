package gamebus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler 订阅处理器。返回非 nil 错误表示未确认，由投递引擎按投递模式处理。
type Handler func(ctx context.Context, e Event) error

// SubscriptionSpec 订阅声明。
type SubscriptionSpec struct {
	SubscriberID string       `json:"subscriberId"`
	Categories   []Category   `json:"categories"`
	EventTypes   []string     `json:"eventTypes,omitempty"` // 空 = 分类下全部类型
	Filters      []FilterRule `json:"filters,omitempty"`
}

// Subscription 已登记订阅。创建后由 registry 独占修改权；
// 显式退订或进程退出前不会被静默丢弃。
type Subscription struct {
	ID           string
	SubscriberID string
	Categories   []Category
	EventTypes   []string
	Filters      []FilterRule
	CreatedAt    time.Time

	seq     uint64 // 创建序号，resolve 的稳定排序键
	handler Handler
}

// indexKey (category, eventType) 索引键；typ 为空表示分类内通配。
type indexKey struct {
	cat Category
	typ string
}

// registry 订阅注册表：活跃订阅的唯一权威来源。
// resolve 在每次发布的热路径上，索引用短临界区的 RWMutex 保护。
type registry struct {
	mu   sync.RWMutex
	seq  uint64
	byID map[string]*Subscription
	idx  map[indexKey][]*Subscription

	// onAttach/onDetach 在订阅增删时回调桥接层做通道引用计数。
	// cbMu 串行化「改索引 + 回调」整体，订阅与退订并发时
	// detach 不会越过对应的 attach，引用计数不会悬空。
	cbMu     sync.Mutex
	onAttach func(c Category, typ string)
	onDetach func(c Category, typ string)
}

func newRegistry() *registry {
	return &registry{
		byID: make(map[string]*Subscription),
		idx:  make(map[indexKey][]*Subscription),
	}
}

// subscribe 登记订阅并按 (category, eventType) 对建立索引。
// 标识符全新生成，绝不复用。
func (r *registry) subscribe(spec SubscriptionSpec, h Handler) (*Subscription, error) {
	if len(spec.Categories) == 0 {
		return nil, ErrCategoriesEmpty
	}
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.mu.Lock()
	r.seq++
	sub := &Subscription{
		ID:           uuid.NewString(),
		SubscriberID: spec.SubscriberID,
		Categories:   append([]Category(nil), spec.Categories...),
		EventTypes:   append([]string(nil), spec.EventTypes...),
		Filters:      append([]FilterRule(nil), spec.Filters...),
		CreatedAt:    time.Now(),
		seq:          r.seq,
		handler:      h,
	}
	r.byID[sub.ID] = sub
	for _, k := range sub.indexKeys() {
		r.idx[k] = append(r.idx[k], sub)
	}
	r.mu.Unlock()

	if r.onAttach != nil {
		for _, k := range sub.indexKeys() {
			r.onAttach(k.cat, k.typ)
		}
	}
	return sub, nil
}

// indexKeys 订阅覆盖的全部 (category, type) 对；无显式类型时按通配索引。
func (s *Subscription) indexKeys() []indexKey {
	keys := make([]indexKey, 0, len(s.Categories)*max(1, len(s.EventTypes)))
	for _, c := range s.Categories {
		if len(s.EventTypes) == 0 {
			keys = append(keys, indexKey{cat: c})
			continue
		}
		for _, t := range s.EventTypes {
			keys = append(keys, indexKey{cat: c, typ: t})
		}
	}
	return keys
}

// unsubscribe 从所有索引项移除；未知 id 为 no-op，不是错误。
func (r *registry) unsubscribe(id string) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.mu.Lock()
	sub, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	for _, k := range sub.indexKeys() {
		r.idx[k] = removeSub(r.idx[k], sub)
		if len(r.idx[k]) == 0 {
			delete(r.idx, k)
		}
	}
	r.mu.Unlock()

	if r.onDetach != nil {
		for _, k := range sub.indexKeys() {
			r.onDetach(k.cat, k.typ)
		}
	}
}

// unsubscribeAll 移除订阅者名下全部订阅，消费端断连时调用。
func (r *registry) unsubscribeAll(subscriberID string) {
	r.mu.RLock()
	ids := make([]string, 0, 4)
	for id, s := range r.byID {
		if s.SubscriberID == subscriberID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.unsubscribe(id)
	}
}

// active 订阅是否仍然有效；重试循环每次尝试前检查。
func (r *registry) active(id string) bool {
	r.mu.RLock()
	_, ok := r.byID[id]
	r.mu.RUnlock()
	return ok
}

// resolve 返回与事件匹配的订阅集合，按创建顺序稳定排序。
// 优先级是调度关切，不参与匹配。
func (r *registry) resolve(e Event) []*Subscription {
	r.mu.RLock()
	exact := r.idx[indexKey{cat: e.Category, typ: e.Type}]
	wild := r.idx[indexKey{cat: e.Category}]
	merged := make([]*Subscription, 0, len(exact)+len(wild))
	merged = append(merged, exact...)
	merged = append(merged, wild...)
	r.mu.RUnlock()

	out := merged[:0:0]
	for _, s := range merged {
		if matchFilters(s.Filters, e) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// count 活跃订阅数，用于指标上报。
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func removeSub(list []*Subscription, s *Subscription) []*Subscription {
	for i, it := range list {
		if it == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
