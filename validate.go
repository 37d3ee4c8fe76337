package gamebus

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// validator 发布前结构校验。校验无副作用且幂等；
// 重复 eventId 检测使用独立的保留窗口缓存，由 pipeline 在校验通过后记录。
type validator struct {
	maxEventSize int
	broadcastCat map[Category]struct{}
	seen         *expirable.LRU[string, struct{}]
}

func newValidator(maxEventSize int, broadcastCats []Category, retention time.Duration, capacity int) *validator {
	if capacity <= 0 {
		capacity = 65536
	}
	bc := make(map[Category]struct{}, len(broadcastCats))
	for _, c := range broadcastCats {
		bc[c] = struct{}{}
	}
	return &validator{
		maxEventSize: maxEventSize,
		broadcastCat: bc,
		seen:         expirable.NewLRU[string, struct{}](capacity, nil, retention),
	}
}

// validate 检查事件结构不变量；失败返回 *ValidationError。
func (v *validator) validate(e Event) error {
	if e.ID == "" {
		return &ValidationError{Field: "eventId", Reason: "empty"}
	}
	if v.seen.Contains(e.ID) {
		return &ValidationError{Field: "eventId", Reason: "duplicate within retention window"}
	}
	if e.Category == "" {
		return &ValidationError{Field: "category", Reason: "empty"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Reason: "empty"}
	}
	if v.maxEventSize > 0 && len(e.Data) > v.maxEventSize {
		return &ValidationError{Field: "data", Reason: "exceeds max event size"}
	}
	if len(e.Targets) == 0 && !e.broadcast() && !v.isBroadcastCategory(e.Category) {
		return &ValidationError{Field: "targets", Reason: "empty for non-broadcast event"}
	}
	return nil
}

// isBroadcastCategory 广播分类允许空 targets（全量扇出）。
func (v *validator) isBroadcastCategory(c Category) bool {
	_, ok := v.broadcastCat[c]
	return ok
}

// record 在校验与中间件全部通过后登记 eventId，防止意外重发。
func (v *validator) record(id string) { v.seen.Add(id, struct{}{}) }
