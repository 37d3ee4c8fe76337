package gamebus

import "context"

// PublishFunc 中间件链上的发布环节。
type PublishFunc func(ctx context.Context, e *Event) error

// Middleware 发布管道中间件，按注册顺序执行。
// 可检查/改写事件，或返回错误短路整个发布（例如反作弊拦截）。
type Middleware func(next PublishFunc) PublishFunc

// chain 逆序折叠中间件，使执行顺序等于注册顺序。
func chain(mws []Middleware, final PublishFunc) PublishFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	return final
}
