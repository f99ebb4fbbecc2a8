package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/storefront/installsched/internal/platform/auth"
)

// AuditEntry records one operator action against the scheduling API.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string // orders, appointments, ...
	ResourceID string
	Operation  string // installation, status, installed, ... (empty for the resource itself)
	Action     string // create, update, delete
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every mutating request under /api/v1/ together with the
// authenticated operator. Reads are not audited.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) || !isMutation(req.Method) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				Action:     httpMethodToAction(req.Method),
			}
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				entry.StatusCode = he.Code
			}

			ctx := req.Context()
			entry.UserID = auth.UserIDFromContext(ctx)
			entry.UserRoles = auth.RolesFromContext(ctx)
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			entry.Resource, entry.ResourceID, entry.Operation = splitResourcePath(path)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("type", "operator_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("operation", entry.Operation).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("operator_action")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func httpMethodToAction(method string) string {
	switch method {
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

// splitResourcePath breaks /api/v1/<resource>/<id>/<operation>... into its
// parts. The id is only reported when it parses as a UUID.
//
//   - /api/v1/orders                          -> orders, "", ""
//   - /api/v1/orders/<id>/installation        -> orders, <id>, installation
//   - /api/v1/orders/<id>/installation/cancel -> orders, <id>, installation/cancel
func splitResourcePath(path string) (resource, id, operation string) {
	rest := strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/")
	if rest == "" {
		return "unknown", "", ""
	}
	segments := strings.Split(rest, "/")
	resource = segments[0]
	if len(segments) < 2 {
		return resource, "", ""
	}
	if _, err := uuid.Parse(segments[1]); err != nil {
		return resource, "", strings.Join(segments[1:], "/")
	}
	return resource, segments[1], strings.Join(segments[2:], "/")
}
