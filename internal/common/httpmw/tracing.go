package httpmw

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/betaforge/betaforge/internal/common/tracing"
)

// untracedPaths are probed too often to be worth a span.
var untracedPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// OtelTracing continues the caller's trace and wraps each request in a
// server span. Route ids are recorded as attributes, so a span for
// /api/v1/sessions/:id carries the session id.
func OtelTracing(serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if untracedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx := tracing.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracing.Tracer(serverName).Start(ctx,
			fmt.Sprintf("%s %s", c.Request.Method, route),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
			),
		)
		defer span.End()

		if id := c.Param("id"); id != "" {
			span.SetAttributes(attribute.String(routeResource(route)+".id", id))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.Int("http.response.size", max(c.Writer.Size(), 0)),
		)
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// routeResource returns the singular resource name owning :id in route,
// e.g. "session" for /api/v1/sessions/:id/stream.
func routeResource(route string) string {
	parts := strings.Split(route, "/")
	for i, p := range parts {
		if p == ":id" && i > 0 {
			return strings.TrimSuffix(parts[i-1], "s")
		}
	}
	return "resource"
}
