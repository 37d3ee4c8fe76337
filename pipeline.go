package gamebus

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ResultMetadata 发布结果元数据。
type ResultMetadata struct {
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	Channel          string `json:"channel"`
	MessageSizeBytes int    `json:"messageSizeBytes"`
}

// PublishResult 每次发布恰好产生一个，返回后不再变化。
// 调用方不得仅凭调用未出错就假定成功，需检查 Success 与 Errors。
type PublishResult struct {
	Success        bool            `json:"success"`
	EventID        string          `json:"eventId"`
	TargetsReached int             `json:"targetsReached"`
	Errors         []DeliveryError `json:"errors,omitempty"`
	Metadata       ResultMetadata  `json:"metadata"`
}

// pipeline 发布管道：生产者的唯一入口。
// 校验 → 中间件 → 解析订阅 → 投递引擎 → 桥接扇出，聚合结果返回。
type pipeline struct {
	v      *validator
	reg    *registry
	eng    *engine
	br     *bridge
	clock  clock.Clock
	m      *metrics
	logger Logger

	mwMu sync.RWMutex
	mws  []Middleware
}

func newPipeline(v *validator, reg *registry, eng *engine, clk clock.Clock, m *metrics, logger Logger) *pipeline {
	return &pipeline{v: v, reg: reg, eng: eng, clock: clk, m: m, logger: logger}
}

// use 追加中间件，按注册顺序执行。
func (p *pipeline) use(mw Middleware) {
	p.mwMu.Lock()
	p.mws = append(p.mws, mw)
	p.mwMu.Unlock()
}

func (p *pipeline) middlewares() []Middleware {
	p.mwMu.RLock()
	defer p.mwMu.RUnlock()
	return p.mws
}

// publish 本地发布全流程。桥接入队失败会计入结果，
// 但 broker 实际写入相对调用方是 fire-and-forget 的。
func (p *pipeline) publish(ctx context.Context, e Event) PublishResult {
	start := p.clock.Now()
	res := PublishResult{Success: true, EventID: e.ID}

	if err := p.v.validate(e); err != nil {
		res.Success = false
		res.Errors = append(res.Errors, DeliveryError{Err: err, Message: err.Error()})
		p.finish(&res, e, start)
		return res
	}

	final := func(ctx context.Context, ev *Event) error {
		p.v.record(ev.ID)
		p.dispatch(ctx, *ev, &res)
		return nil
	}
	if err := chain(p.middlewares(), final)(ctx, &e); err != nil {
		// 中间件短路：中止发布，错误进入结果。
		res.Success = false
		res.Errors = append(res.Errors, DeliveryError{Err: err, Message: err.Error()})
	}

	p.finish(&res, e, start)
	return res
}

// dispatch 先移交桥接再做本地投递（必要时）。
// 桥接入队有界且立即返回，跨进程扇出不被本地订阅的重试退避拖慢。
func (p *pipeline) dispatch(ctx context.Context, e Event, res *PublishResult) {
	p.m.eventPublished(e.Category)

	// 入站事件绝不回发 broker，避免扇出环；仅 handler 目标的事件留在本进程。
	if p.br != nil && !e.remote && !e.localOnly() {
		if err := p.br.forward(ctx, e); err != nil {
			res.Success = false
			res.Errors = append(res.Errors, DeliveryError{Err: err, Message: err.Error()})
		}
	}

	subs := p.reg.resolve(e)
	outs := p.eng.deliverAll(ctx, e, subs)
	for _, o := range outs {
		if o.reached {
			res.TargetsReached++
		}
		if o.err != nil {
			res.Success = false
			res.Errors = append(res.Errors, *o.err)
		}
	}
}

// dispatchLocal 桥接入站事件从此处重入：解析本地订阅并投递，
// 跳过校验/中间件，也不再外发。
func (p *pipeline) dispatchLocal(ctx context.Context, e Event) PublishResult {
	start := p.clock.Now()
	e.remote = true
	res := PublishResult{Success: true, EventID: e.ID}
	p.m.inbound()

	subs := p.reg.resolve(e)
	outs := p.eng.deliverAll(ctx, e, subs)
	for _, o := range outs {
		if o.reached {
			res.TargetsReached++
		}
		if o.err != nil {
			res.Success = false
			res.Errors = append(res.Errors, *o.err)
		}
	}
	p.finish(&res, e, start)
	return res
}

func (p *pipeline) finish(res *PublishResult, e Event, start time.Time) {
	elapsed := p.clock.Now().Sub(start)
	res.Metadata = ResultMetadata{
		ProcessingTimeMs: elapsed.Milliseconds(),
		Channel:          e.channelKey(),
		MessageSizeBytes: len(e.Data),
	}
	p.m.observeLatency(elapsed.Seconds())
}
