package middleware

import (
	"context"
	"net/http"
	"time"

	"givecycle/internal/common"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// AuditMiddleware logs every request through zap. Mutating requests are
// logged at info level with the caller they were made for.
type AuditMiddleware struct {
	logger *zap.Logger
}

// NewAuditMiddleware creates an audit middleware logging under the http component.
func NewAuditMiddleware(logger *zap.Logger) *AuditMiddleware {
	return &AuditMiddleware{logger: logger.With(zap.String("component", "http"))}
}

// RequestID reuses an inbound X-Request-ID or assigns a new one and puts it
// on the request context.
func (m *AuditMiddleware) RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(requestIDHeader, id)
			ctx := context.WithValue(c.Request().Context(), common.RequestIDKey, id)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// AuditRequest logs the outcome and latency of each request.
func (m *AuditMiddleware) AuditRequest() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := []zap.Field{
				zap.String("request_id", common.GetRequestIDFromContext(req.Context())),
				zap.String("method", req.Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
			}
			if caller := callerEmail(c); caller != "" {
				fields = append(fields, zap.String("caller_email", caller))
			}

			switch {
			case c.Response().Status >= http.StatusInternalServerError:
				m.logger.Error("request failed", fields...)
			case req.Method == http.MethodGet || req.Method == http.MethodHead:
				m.logger.Debug("request", fields...)
			default:
				m.logger.Info("request", fields...)
			}
			return nil
		}
	}
}

func callerEmail(c echo.Context) string {
	if v, ok := c.Get("caller_email").(string); ok {
		return v
	}
	return c.QueryParam("caller_email")
}
