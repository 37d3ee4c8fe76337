package gamebus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion 当前事件信封的语义化版本，消费端据此处理 schema 演进。
const SchemaVersion = "1.0.0"

// Category 事件一级分类，路由主键。
// 封闭常量集合 + 自定义透传：已知分类走内置路由，未知分类按原样作为自定义分类透传。
type Category string

const (
	CategoryGameState    Category = "game_state"    // 高频帧级状态
	CategoryPlayerAction Category = "player_action" // 玩家操作
	CategoryNotification Category = "notification"  // 通知
	CategoryChat         Category = "chat"          // 聊天
	CategorySystem       Category = "system"        // 系统/管理
)

// Known 返回分类是否属于内置集合。
func (c Category) Known() bool {
	switch c {
	case CategoryGameState, CategoryPlayerAction, CategoryNotification, CategoryChat, CategorySystem:
		return true
	}
	return false
}

// Priority 调度优先级，仅影响批次刷出顺序，不影响订阅匹配。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// rank 数值越大越优先；未知优先级按 normal 处理。
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// DeliveryMode 投递保证。
type DeliveryMode string

const (
	// FireAndForget 调用一次，不重试。
	FireAndForget DeliveryMode = "fire-and-forget"
	// AtLeastOnce 重试直至确认或 TTL 过期，消费方需容忍重复。
	AtLeastOnce DeliveryMode = "at-least-once"
	// ExactlyOnce 在 AtLeastOnce 之上按 eventId 去重（TTL 窗口内）。
	ExactlyOnce DeliveryMode = "exactly-once"
)

// TargetType 投递目标类型。
type TargetType string

const (
	TargetPlayer    TargetType = "player"
	TargetGame      TargetType = "game"
	TargetRoom      TargetType = "room"
	TargetBroadcast TargetType = "broadcast"
	TargetHandler   TargetType = "handler" // 仅本进程内处理器，不出 broker
)

// WildcardID 广播目标的通配 id。
const WildcardID = "*"

// EventTarget 单个投递目标。
type EventTarget struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// Metadata 事件投递元数据。
type Metadata struct {
	Priority     Priority      `json:"priority"`
	DeliveryMode DeliveryMode  `json:"deliveryMode"`
	TTL          time.Duration `json:"-"`
	Tags         []string      `json:"tags,omitempty"`
}

// Event 领域事件。发布后不可变；Timestamp 在创建时赋值，总线不会改写。
type Event struct {
	ID        string          `json:"eventId"`
	Category  Category        `json:"category"`
	Type      string          `json:"type"`
	SourceID  string          `json:"sourceId"`
	Targets   []EventTarget   `json:"targets"`
	Data      json.RawMessage `json:"data"`
	Meta      Metadata        `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`

	// remote 标记来自 broker 的入站事件，防止二次发布造成扇出环。
	remote bool
}

// NewEvent 构造事件并填充 id/时间戳/版本与元数据缺省值。
func NewEvent(category Category, typ, sourceID string, data json.RawMessage, targets ...EventTarget) Event {
	return Event{
		ID:        uuid.NewString(),
		Category:  category,
		Type:      typ,
		SourceID:  sourceID,
		Targets:   targets,
		Data:      data,
		Meta:      Metadata{Priority: PriorityNormal, DeliveryMode: FireAndForget},
		Timestamp: time.Now(),
		Version:   SchemaVersion,
	}
}

// Remote 返回事件是否来自 broker 入站。
func (e Event) Remote() bool { return e.remote }

// localOnly 目标是否全部为进程内 handler（此类事件不出 broker）。
func (e Event) localOnly() bool {
	if len(e.Targets) == 0 {
		return false
	}
	for _, t := range e.Targets {
		if t.Type != TargetHandler {
			return false
		}
	}
	return true
}

// broadcast 是否含广播目标。
func (e Event) broadcast() bool {
	for _, t := range e.Targets {
		if t.Type == TargetBroadcast {
			return true
		}
	}
	return false
}

// channelKey broker 通道键：category.type 组合；类型为空时使用通配后缀。
func (e Event) channelKey() string {
	return channelKey(e.Category, e.Type)
}

func channelKey(c Category, typ string) string {
	if typ == "" || typ == WildcardID {
		return string(c) + "." + WildcardID
	}
	return string(c) + "." + typ
}

// ---- 线格式信封 ----

// wireMetadata 信封内元数据；TTL 以毫秒表示。
type wireMetadata struct {
	Priority     Priority     `json:"priority"`
	DeliveryMode DeliveryMode `json:"deliveryMode"`
	TTLMs        int64        `json:"ttl"`
	Tags         []string     `json:"tags,omitempty"`
}

// wireEvent 跨 broker 与客户端连接的 JSON 信封。
type wireEvent struct {
	EventID   string          `json:"eventId"`
	Category  Category        `json:"category"`
	Type      string          `json:"type"`
	SourceID  string          `json:"sourceId"`
	Targets   []EventTarget   `json:"targets"`
	Data      json.RawMessage `json:"data"`
	Metadata  wireMetadata    `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
}

// encodeEvent 序列化为线格式信封。
func encodeEvent(e Event) ([]byte, error) {
	return json.Marshal(wireEvent{
		EventID:  e.ID,
		Category: e.Category,
		Type:     e.Type,
		SourceID: e.SourceID,
		Targets:  e.Targets,
		Data:     e.Data,
		Metadata: wireMetadata{
			Priority:     e.Meta.Priority,
			DeliveryMode: e.Meta.DeliveryMode,
			TTLMs:        e.Meta.TTL.Milliseconds(),
			Tags:         e.Meta.Tags,
		},
		Timestamp: e.Timestamp,
		Version:   e.Version,
	})
}

// decodeEvent 解析线格式信封。
func decodeEvent(b []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return Event{}, err
	}
	return eventFromWire(w), nil
}

// expired 事件 TTL 是否已过；TTL<=0 视为不过期。
func (e Event) expired(now time.Time) bool {
	if e.Meta.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(e.Meta.TTL))
}

// deadline 事件的绝对截止时刻；第二返回值为是否存在截止。
func (e Event) deadline() (time.Time, bool) {
	if e.Meta.TTL <= 0 {
		return time.Time{}, false
	}
	return e.Timestamp.Add(e.Meta.TTL), true
}
