package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gobeyondidentity/verdict/pkg/apierror"
	"github.com/gobeyondidentity/verdict/pkg/lifecycle"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

// handleListAudit pages through persisted audit events, newest first.
// Optional filters: type (event type) and since (unix ms).
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := page(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := store.AuditFilter{
		Type:   r.URL.Query().Get("type"),
		Cursor: cursor,
		Limit:  limit,
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, apierror.List{apierror.Invalid("/since", "since must be a unix millisecond timestamp")})
			return
		}
		filter.Since = time.UnixMilli(ms)
	}

	records, next, err := s.store.QueryAuditRecords(r.Context(), filter)
	if errors.Is(err, store.ErrInvalidCursor) {
		err = apierror.List{apierror.Invalid("/i", "invalid cursor")}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]auditJSON, len(records))
	for i, rec := range records {
		out[i] = auditJSON{
			ID:        lifecycle.FormatID(rec.ID),
			Type:      rec.Type,
			Severity:  rec.Severity.String(),
			Timestamp: formatMillis(rec.Timestamp),
			Actor:     rec.Actor,
			RequestID: rec.RequestID,
			Details:   rec.Details,
		}
	}
	s.writeData(w, http.StatusOK, data{Audit: out}, next)
}
