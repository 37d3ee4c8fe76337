package gamebus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 客户端连接协议消息类型。
const (
	MsgChannelSubscribe   = "CHANNEL_SUBSCRIBE"
	MsgChannelUnsubscribe = "CHANNEL_UNSUBSCRIBE"
	MsgPublishEvent       = "PUBLISH_EVENT"
	MsgEvent              = "EVENT"
	MsgAck                = "ACK"
	MsgError              = "ERROR"
)

// wsRequest 客户端入站协议消息。
type wsRequest struct {
	Type           string       `json:"type"`
	RequestID      string       `json:"requestId,omitempty"`
	Categories     []Category   `json:"categories,omitempty"`
	EventTypes     []string     `json:"eventTypes,omitempty"`
	Filters        []FilterRule `json:"filters,omitempty"`
	SubscriptionID string       `json:"subscriptionId,omitempty"`
	Event          *wireEvent   `json:"event,omitempty"`
}

// wsResponse 服务端出站协议消息。
type wsResponse struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"requestId,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Result         *PublishResult  `json:"result,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
	Error          string          `json:"error,omitempty"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// replayBuffer 断连期间为可靠投递目标保留的事件，限期重放。
type replayBuffer struct {
	playerID string
	events   []json.RawMessage
	deadline time.Time
	shadowID string // 捕获事件的影子订阅
}

// ConnManager 网络客户端连接层：升级 WebSocket、维护每连接订阅集、
// 断连后的限期排队重放。实现 http.Handler。
type ConnManager struct {
	bus      *Bus
	logger   Logger
	upgrader websocket.Upgrader
	window   time.Duration
	maxQueue int

	mu     sync.Mutex
	conns  map[string]*Conn
	replay map[string]*replayBuffer
}

func newConnManager(bus *Bus, window time.Duration, maxQueue int, logger Logger) *ConnManager {
	if maxQueue <= 0 {
		maxQueue = 512
	}
	return &ConnManager{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		window:   window,
		maxQueue: maxQueue,
		conns:    make(map[string]*Conn),
		replay:   make(map[string]*replayBuffer),
	}
}

// Conn 单个客户端连接及其上下文。
type Conn struct {
	id       string
	playerID string
	gameID   string
	roomID   string

	ws   *websocket.Conn
	send chan wsResponse
	done chan struct{}
	once sync.Once
	mgr  *ConnManager
}

// Count 当前连接数。
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.conns)
}

// ServeHTTP 升级连接；player_id/game_id/room_id 取自查询参数，
// 驱动上下文隐含通道的自动订阅。
func (cm *ConnManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	q := r.URL.Query()
	c := &Conn{
		id:       uuid.NewString(),
		playerID: q.Get("player_id"),
		gameID:   q.Get("game_id"),
		roomID:   q.Get("room_id"),
		ws:       ws,
		send:     make(chan wsResponse, sendBuffer),
		done:     make(chan struct{}),
		mgr:      cm,
	}
	cm.mu.Lock()
	cm.conns[c.id] = c
	cm.mu.Unlock()

	cm.autoSubscribe(c)
	cm.flushReplay(c)

	go c.writePump()
	go c.readPump()
}

// autoSubscribe 连接建立即订阅全部内置分类，处理器按连接上下文过滤目标。
func (cm *ConnManager) autoSubscribe(c *Conn) {
	spec := SubscriptionSpec{
		SubscriberID: c.id,
		Categories:   []Category{CategoryGameState, CategoryPlayerAction, CategoryNotification, CategoryChat, CategorySystem},
	}
	if _, err := cm.bus.Subscribe(spec, func(ctx context.Context, e Event) error {
		if !eventTargetsConn(e, c.playerID, c.gameID, c.roomID) {
			return nil
		}
		return c.deliver(e)
	}); err != nil {
		cm.logger.Error(context.Background(), "auto subscribe failed", "conn", c.id, "err", err)
	}
}

// flushReplay 重连落在窗口内则补投断连期间的事件并撤销影子订阅。
func (cm *ConnManager) flushReplay(c *Conn) {
	if c.playerID == "" {
		return
	}
	cm.mu.Lock()
	rb := cm.replay[c.playerID]
	if rb != nil {
		delete(cm.replay, c.playerID)
	}
	cm.mu.Unlock()
	if rb == nil {
		return
	}
	cm.bus.Unsubscribe(rb.shadowID)
	if time.Now().After(rb.deadline) {
		cm.reportDropped(rb)
		return
	}
	for _, raw := range rb.events {
		select {
		case c.send <- wsResponse{Type: MsgEvent, Event: raw}:
		case <-c.done:
			return
		}
	}
	cm.logger.Info(context.Background(), "replayed events after reconnect", "player", rb.playerID, "count", len(rb.events))
}

// handleDisconnect 撤销该连接的全部订阅；对定向到该玩家的可靠投递
// 开一个限期重放窗口，短暂重连不丢事件。
func (cm *ConnManager) handleDisconnect(c *Conn) {
	cm.mu.Lock()
	delete(cm.conns, c.id)
	cm.mu.Unlock()
	cm.bus.UnsubscribeAll(c.id)

	if c.playerID == "" || cm.window <= 0 {
		return
	}
	rb := &replayBuffer{
		playerID: c.playerID,
		deadline: time.Now().Add(cm.window),
	}
	shadowID, err := cm.bus.Subscribe(SubscriptionSpec{
		SubscriberID: "replay:" + c.playerID,
		Categories:   []Category{CategoryGameState, CategoryPlayerAction, CategoryNotification, CategoryChat, CategorySystem},
	}, func(ctx context.Context, e Event) error {
		if e.Meta.DeliveryMode == FireAndForget {
			return nil
		}
		if !eventTargetsPlayer(e, rb.playerID) {
			return nil
		}
		return cm.buffer(rb, e)
	})
	if err != nil {
		cm.logger.Error(context.Background(), "replay subscribe failed", "player", c.playerID, "err", err)
		return
	}
	rb.shadowID = shadowID
	cm.mu.Lock()
	// 同一玩家的旧窗口被新的替换
	if old := cm.replay[c.playerID]; old != nil {
		cm.bus.Unsubscribe(old.shadowID)
	}
	cm.replay[c.playerID] = rb
	cm.mu.Unlock()
}

// buffer 事件入重放缓冲；缓冲满返回错误，让投递引擎按模式处理。
func (cm *ConnManager) buffer(rb *replayBuffer, e Event) error {
	raw, err := encodeEvent(e)
	if err != nil {
		return err
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if len(rb.events) >= cm.maxQueue {
		return ErrQueueFull
	}
	rb.events = append(rb.events, raw)
	return nil
}

// sweep 维护任务周期调用：过期窗口的事件被丢弃并上报失败。
func (cm *ConnManager) sweep(now time.Time) {
	cm.mu.Lock()
	var expired []*replayBuffer
	for id, rb := range cm.replay {
		if now.After(rb.deadline) {
			delete(cm.replay, id)
			expired = append(expired, rb)
		}
	}
	cm.mu.Unlock()
	for _, rb := range expired {
		cm.bus.Unsubscribe(rb.shadowID)
		cm.reportDropped(rb)
	}
}

func (cm *ConnManager) reportDropped(rb *replayBuffer) {
	if len(rb.events) == 0 {
		return
	}
	cm.logger.Error(context.Background(), "replay window expired, events dropped",
		"player", rb.playerID, "count", len(rb.events))
}

// deliver 投递事件到连接；发送缓冲满视为投递失败（慢消费者背压）。
func (c *Conn) deliver(e Event) error {
	raw, err := encodeEvent(e)
	if err != nil {
		return err
	}
	select {
	case c.send <- wsResponse{Type: MsgEvent, Event: raw}:
		return nil
	case <-c.done:
		return ErrBusClosed
	default:
		return ErrQueueFull
	}
}

func (c *Conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(1 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req wsRequest
		if err := c.ws.ReadJSON(&req); err != nil {
			return
		}
		c.handle(req)
	}
}

// handle 处理单条协议消息并回 ack。
func (c *Conn) handle(req wsRequest) {
	switch req.Type {
	case MsgChannelSubscribe:
		id, err := c.mgr.bus.Subscribe(SubscriptionSpec{
			SubscriberID: c.id,
			Categories:   req.Categories,
			EventTypes:   req.EventTypes,
			Filters:      req.Filters,
		}, func(ctx context.Context, e Event) error { return c.deliver(e) })
		if err != nil {
			c.reply(wsResponse{Type: MsgError, RequestID: req.RequestID, Error: err.Error()})
			return
		}
		c.reply(wsResponse{Type: MsgAck, RequestID: req.RequestID, SubscriptionID: id})

	case MsgChannelUnsubscribe:
		c.mgr.bus.Unsubscribe(req.SubscriptionID)
		c.reply(wsResponse{Type: MsgAck, RequestID: req.RequestID, SubscriptionID: req.SubscriptionID})

	case MsgPublishEvent:
		if req.Event == nil {
			c.reply(wsResponse{Type: MsgError, RequestID: req.RequestID, Error: "event missing"})
			return
		}
		e := eventFromWire(*req.Event)
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.SourceID == "" {
			e.SourceID = c.playerID
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		if e.Version == "" {
			e.Version = SchemaVersion
		}
		res := c.mgr.bus.Publish(context.Background(), e)
		c.reply(wsResponse{Type: MsgAck, RequestID: req.RequestID, Result: &res})

	default:
		c.reply(wsResponse{Type: MsgError, RequestID: req.RequestID, Error: "unknown message type: " + req.Type})
	}
}

func (c *Conn) reply(resp wsResponse) {
	select {
	case c.send <- resp:
	case <-c.done:
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case resp := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(resp); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.mgr.handleDisconnect(c)
	})
}

// closeAll 总线关闭时断开全部连接。
func (cm *ConnManager) closeAll() {
	cm.mu.Lock()
	conns := make([]*Conn, 0, len(cm.conns))
	for _, c := range cm.conns {
		conns = append(conns, c)
	}
	cm.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// eventTargetsConn 事件目标是否覆盖该连接上下文。
func eventTargetsConn(e Event, playerID, gameID, roomID string) bool {
	if len(e.Targets) == 0 {
		return true // 广播分类的全量扇出
	}
	for _, t := range e.Targets {
		switch t.Type {
		case TargetBroadcast:
			return true
		case TargetPlayer:
			if t.ID == playerID || t.ID == WildcardID {
				return true
			}
		case TargetGame:
			if t.ID == gameID || t.ID == WildcardID {
				return true
			}
		case TargetRoom:
			if t.ID == roomID || t.ID == WildcardID {
				return true
			}
		}
	}
	return false
}

func eventTargetsPlayer(e Event, playerID string) bool {
	for _, t := range e.Targets {
		if t.Type == TargetPlayer && (t.ID == playerID || t.ID == WildcardID) {
			return true
		}
	}
	return false
}

// eventFromWire 从线格式信封还原事件。
func eventFromWire(w wireEvent) Event {
	return Event{
		ID:       w.EventID,
		Category: w.Category,
		Type:     w.Type,
		SourceID: w.SourceID,
		Targets:  w.Targets,
		Data:     w.Data,
		Meta: Metadata{
			Priority:     w.Metadata.Priority,
			DeliveryMode: w.Metadata.DeliveryMode,
			TTL:          time.Duration(w.Metadata.TTLMs) * time.Millisecond,
			Tags:         w.Metadata.Tags,
		},
		Timestamp: w.Timestamp,
		Version:   w.Version,
	}
}
