package auditlog

import (
	"context"
	"database/sql"
	"net"
	"strings"

	"github.com/sluice-labs/sluice-go/internal/platform/auth"
)

// AppendAuthDeny records a rejected request. Denials carry no run id; the
// method and path identify what was attempted.
func AppendAuthDeny(ctx context.Context, db *sql.DB, service string, event auth.DenyEvent) error {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}
	remoteIP := ""
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			remoteIP = ip.String()
		}
	}

	_, err := Append(ctx, db, Entry{
		OccurredAt: event.Time,
		Actor:      actor,
		Action:     "auth." + strings.TrimSpace(event.Reason),
		Target:     event.Method + " " + event.Path,
		RequestID:  event.RequestID,
		RemoteIP:   remoteIP,
		UserAgent:  event.UserAgent,
		Detail: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"subject": event.Subject,
			"email":   event.Email,
			"roles":   event.Roles,
		},
	})
	return err
}
