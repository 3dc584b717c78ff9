package observability

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const instrumentationName = "github.com/hanko-field/storefront"

// Tracer is the tracer shared by HTTP handlers, services and gateway clients.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// InstallPropagator registers W3C trace-context and baggage propagation globally.
func InstallPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
}

// TraceMiddleware extracts incoming trace headers, starts a server span and records its ids on the context.
func TraceMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("user_agent.original", r.UserAgent()),
			)

			spanCtx := span.SpanContext()
			info := requestctx.TraceInfo{Sampled: spanCtx.IsSampled()}
			if spanCtx.IsValid() {
				info.TraceID = spanCtx.TraceID().String()
				info.SpanID = spanCtx.SpanID().String()
			}
			ctx = requestctx.WithTrace(ctx, info)

			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
