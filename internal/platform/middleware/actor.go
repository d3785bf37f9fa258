package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Actor identity arrives from the upstream gateway that handles
// authentication. The engine itself never validates credentials; it only
// needs to know who performed an action for the workflow audit trail.
const (
	ActorIDHeader   = "X-Actor-ID"
	ActorRoleHeader = "X-Actor-Role"

	// SystemActor marks steps written by background engines rather than an
	// operator (SLA sweeps, rule-driven escalations).
	SystemActor = "system"
)

type actorContextKey string

const (
	actorIDKey   actorContextKey = "actor_id"
	actorRoleKey actorContextKey = "actor_role"
)

// ActorFromContext returns the acting operator recorded by the Actor
// middleware, or an empty string.
func ActorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(actorIDKey).(string)
	return id
}

// ActorRoleFromContext returns the acting operator's role, or an empty string.
func ActorRoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(actorRoleKey).(string)
	return role
}

// AuditEntry captures who did what against the alert API.
type AuditEntry struct {
	ActorID    string
	ActorRole  string
	Resource   string
	Action     string // read, create, update, delete
	Method     string
	Path       string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries. The middleware falls back to
// structured logging when none is provided, so tests can capture entries
// with a mock implementation.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Actor returns middleware that lifts the acting operator from the
// X-Actor-ID / X-Actor-Role headers into the request context and emits one
// structured audit line per API call. Alert, rule, and webhook mutations all
// need an accountable actor, so this runs before every /api/v1 handler.
func Actor(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			actorID := req.Header.Get(ActorIDHeader)
			actorRole := req.Header.Get(ActorRoleHeader)

			ctx := req.Context()
			ctx = context.WithValue(ctx, actorIDKey, actorID)
			ctx = context.WithValue(ctx, actorRoleKey, actorRole)
			c.SetRequest(req.WithContext(ctx))
			c.Set("actor_id", actorID)
			c.Set("actor_role", actorRole)

			err := next(c)

			entry := AuditEntry{
				ActorID:    actorID,
				ActorRole:  actorRole,
				Resource:   resourceFromPath(path),
				Action:     methodToAction(req.Method),
				Method:     req.Method,
				Path:       path,
				IPAddress:  c.RealIP(),
				StatusCode: c.Response().Status,
				Timestamp:  time.Now().UTC(),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "api_audit").
				Str("request_id", entry.RequestID).
				Str("actor_id", entry.ActorID).
				Str("actor_role", entry.ActorRole).
				Str("resource", entry.Resource).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("api_access")

			return err
		}
	}
}

// methodToAction maps HTTP methods to audit action codes.
func methodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceFromPath extracts the first path segment under /api/v1/.
//
//	/api/v1/alerts/123  -> alerts
//	/api/v1/webhooks    -> webhooks
func resourceFromPath(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}
