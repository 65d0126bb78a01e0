package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/manash/tryon/internal/metrics"
)

const reqIDKey = "reqId"

// RequestLogger tags every request with an id, logs it and records it in
// the collector under the matched route pattern.
func RequestLogger(logger *log.Logger, collector *metrics.Collector) fiber.Handler {
	base := logger.With("component", "http")

	return func(c *fiber.Ctx) error {
		reqID := c.Get(fiber.HeaderXRequestID)
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.NewString()
		}
		c.Locals(reqIDKey, reqID)
		c.Set(fiber.HeaderXRequestID, reqID)

		start := time.Now()
		path := c.Path()
		method := c.Method()

		// The User-Agent can get extremely long; keep it bounded.
		ua := strings.TrimSpace(string(c.Context().UserAgent()))
		if len(ua) > 200 {
			ua = ua[:200]
		}

		base.Debug("request started", "reqId", reqID, "method", method, "path", path, "ip", c.IP(), "ua", ua)

		err := c.Next()
		dur := time.Since(start)

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		if collector != nil {
			collector.RecordHTTPRequest(method, routeLabel(c), status, dur)
		}

		if err != nil {
			base.Error("request failed", "reqId", reqID, "method", method, "path", path, "status", status, "dur", dur.String(), "err", err)
			return err
		}

		base.Info("request completed", "reqId", reqID, "method", method, "path", path, "status", status, "dur", dur.String())
		return nil
	}
}

// routeLabel keeps metric cardinality bounded by using the route pattern
// rather than the concrete path.
func routeLabel(c *fiber.Ctx) string {
	return c.Route().Path
}

func ReqID(c *fiber.Ctx) string {
	if v := c.Locals(reqIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func HttpLogger(logger *log.Logger, action string, c *fiber.Ctx) *log.Logger {
	return logger.With(
		"component", "api",
		"action", action,
		"reqId", ReqID(c),
		"method", c.Method(),
		"path", c.Path(),
	)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-IP token bucket. Idle visitors are dropped in the
// background until ctx is done.
func RateLimiter(ctx context.Context, rps float64, burst int, logger *log.Logger) fiber.Handler {
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return func(c *fiber.Ctx) error {
		ip := c.IP()

		mu.Lock()
		v, ok := visitors[ip]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			visitors[ip] = v
		}
		v.lastSeen = time.Now()
		mu.Unlock()

		if !v.limiter.Allow() {
			logger.Warn("rate limited", "reqId", ReqID(c), "ip", ip)
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Error:   "rate_limit_exceeded",
				Message: "Too many requests. Please wait a moment and try again.",
			})
		}
		return c.Next()
	}
}
