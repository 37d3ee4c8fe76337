package gamebus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/northseadl/gamebus"

// tracingMiddleware 为发布全链路（含本地投递与桥接入队）开 span。
// EnableTracing 时由 New 自动装配。
func tracingMiddleware() Middleware {
	tracer := otel.Tracer(tracerName)
	return func(next PublishFunc) PublishFunc {
		return func(ctx context.Context, e *Event) error {
			ctx, span := tracer.Start(ctx, "gamebus.publish", trace.WithAttributes(
				attribute.String("event.id", e.ID),
				attribute.String("event.category", string(e.Category)),
				attribute.String("event.type", e.Type),
				attribute.String("event.delivery_mode", string(e.Meta.DeliveryMode)),
			))
			defer span.End()
			if err := next(ctx, e); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			return nil
		}
	}
}
