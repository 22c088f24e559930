package trace

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/gin-gonic/gin"
)

func Middleware(serviceName string) gin.HandlerFunc {
	tracer := otel.Tracer(serviceName)
	prop := otel.GetTextMapPropagator()
	if prop == nil {
		prop = propagation.TraceContext{}
		otel.SetTextMapPropagator(prop)
	}

	return func(c *gin.Context) {
		ctx := prop.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		name := c.FullPath()
		if name == "" {
			name = "unmatched"
		}
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+name)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, "server error")
		}
	}
}
