package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	headerActorID   = "X-Actor-ID"
	headerRequestID = "X-Request-ID"

	ctxActorID   = "actor_id"
	ctxRequestID = "request_id"
)

// RequestID tags every request with a correlation id, taken from
// X-Request-ID when the caller sent one.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := strings.TrimSpace(c.Request().Header.Get(headerRequestID))
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set(ctxRequestID, rid)
			c.Response().Header().Set(headerRequestID, rid)
			return next(c)
		}
	}
}

// ActorMiddleware reads the acting employee from X-Actor-ID. Callers are
// authenticated upstream; mutating requests without an actor are rejected
// here so they never reach the engine.
func ActorMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := strings.TrimSpace(c.Request().Header.Get(headerActorID))
			if actor == "" && requiresActor(c.Request()) {
				return writeError(c, requestIDFrom(c), http.StatusBadRequest, "validation_error", "X-Actor-ID header is required")
			}
			c.Set(ctxActorID, actor)
			return next(c)
		}
	}
}

func requiresActor(r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		return false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func actorFrom(c echo.Context) string {
	actor, _ := c.Get(ctxActorID).(string)
	return actor
}

func requestIDFrom(c echo.Context) string {
	rid, _ := c.Get(ctxRequestID).(string)
	return rid
}
