package audit

import (
	"context"
	"errors"
	"maps"
	"strings"

	"investcalc.org/internal/auth"
	"investcalc.org/internal/obs"
)

// LogEvent writes an audit entry enriched with the request id and the
// authenticated subject carried by ctx.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := obs.Ctx(ctx).Info().Str("type", "audit").Str("event", event)
	if id, ok := auth.IdentityFromContext(ctx); ok {
		entry = entry.Str("subject_id", id.SubjectID)
	}
	copied := make(map[string]any, len(fields))
	maps.Copy(copied, fields)
	entry.Interface("fields", copied).Msg("audit")
	return nil
}
