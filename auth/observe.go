package auth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Operation names passed to Observer and used for span names.
const (
	OpLogin   = "login"
	OpRefresh = "refresh"
	OpLogout  = "logout"
)

// Observer is told the result and duration of each façade operation.
type Observer interface {
	ObserveAuth(operation string, err error, elapsed time.Duration)
}

var tracer = otel.Tracer("gatekeeper.evalgo.org/auth")

// instrument starts an "auth.<op>" span. The returned func ends it and
// notifies the observer.
func (s *Service) instrument(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "auth."+op)
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("auth.success", err == nil))
		span.End()
		if s.observer != nil {
			s.observer.ObserveAuth(op, err, time.Since(start))
		}
	}
}
