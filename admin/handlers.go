package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/huddle/channel"
	"github.com/maxpert/huddle/interceptor"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
	"github.com/rs/zerolog/log"
)

// ClusterView is the part of a channel the admin endpoints read and drive.
type ClusterView interface {
	Members() []*member.Member
	Member(id []byte) (*member.Member, error)
	LocalMember() *member.Member
	State() channel.State
	Services() membership.ServiceMask
	Start(ctx context.Context, svc membership.ServiceMask) error
	Stop(ctx context.Context, svc membership.ServiceMask) error
}

// GroupSource is implemented by views that track a coordinator.
type GroupSource interface {
	Group() *interceptor.Coordinator
}

// AdminHandlers handles admin API endpoints for a running node
type AdminHandlers struct {
	view         ClusterView
	secret       string
	startedAt    time.Time
	serviceLimit time.Duration
}

// NewAdminHandlers creates a new AdminHandlers instance. An empty secret
// leaves the endpoints unauthenticated.
func NewAdminHandlers(view ClusterView, secret string) *AdminHandlers {
	return &AdminHandlers{
		view:         view,
		secret:       secret,
		startedAt:    time.Now(),
		serviceLimit: 30 * time.Second,
	}
}

// memberJSON is the wire shape of a member in admin responses
type memberJSON struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Payload string `json:"payload,omitempty"`
	Domain  string `json:"domain,omitempty"`
	AliveAt string `json:"alive_at,omitempty"`
	Local   bool   `json:"local,omitempty"`
}

func toMemberJSON(m *member.Member, local *member.Member) memberJSON {
	out := memberJSON{
		ID:      m.ID(),
		Name:    m.Name,
		Host:    m.Host,
		Port:    m.Port,
		Payload: encodeBase64(m.Payload),
		Domain:  string(m.Domain),
		Local:   m.Equal(local),
	}
	if !m.AliveTimestamp.IsZero() {
		out.AliveAt = formatTimestamp(m.AliveTimestamp.UnixNano())
	}
	return out
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses from parameter for pagination
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}

// formatTimestamp converts nanoseconds to ISO 8601 string
func formatTimestamp(nanos int64) string {
	if nanos == 0 {
		return ""
	}
	return time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
}

func encodeBase64(data []byte) string {
	if data == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}
