package interceptors

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewTracingInterceptor starts a server span per RPC. The request ID, when
// present, is attached to the span.
func NewTracingInterceptor(tracer trace.Tracer) connect.UnaryInterceptorFunc {
	if tracer == nil {
		tracer = otel.Tracer("spendsense/interceptors")
	}
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			procedure := req.Spec().Procedure
			ctx, span := tracer.Start(ctx, procedure, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("rpc.system", "connect"),
				attribute.String("rpc.service", serviceFromProcedure(procedure)),
				attribute.String("rpc.method", methodFromProcedure(procedure)),
			)
			if id, ok := GetRequestIDFromContext(ctx); ok {
				span.SetAttributes(attribute.String("request.id", id))
			}

			resp, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(attribute.String("rpc.connect.code", connect.CodeOf(err).String()))
			} else {
				span.SetStatus(codes.Ok, "ok")
			}
			return resp, err
		}
	}
}

func serviceFromProcedure(procedure string) string {
	procedure = strings.TrimPrefix(procedure, "/")
	lastSlash := strings.LastIndex(procedure, "/")
	if lastSlash <= 0 {
		return procedure
	}
	return procedure[:lastSlash]
}

func methodFromProcedure(procedure string) string {
	return procedure[strings.LastIndex(procedure, "/")+1:]
}
