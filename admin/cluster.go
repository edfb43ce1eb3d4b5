package admin

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/huddle/channel"
	"github.com/maxpert/huddle/interceptor"
	"github.com/maxpert/huddle/membership"
	"github.com/rs/zerolog/log"
)

// handleClusterMembers handles GET /admin/cluster/members
func (h *AdminHandlers) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from := parseFrom(r)

	members := h.view.Members()
	local := h.view.LocalMember()

	// from is the id of the last member of the previous page
	start := 0
	if from != "" {
		start = len(members)
		for i, m := range members {
			if m.ID() == from {
				start = i + 1
				break
			}
		}
	}

	end := min(start+limit, len(members))
	resp := make([]memberJSON, 0, end-start)
	for _, m := range members[start:end] {
		resp = append(resp, toMemberJSON(m, local))
	}

	hasMore := end < len(members)
	lastKey := ""
	if hasMore && len(resp) > 0 {
		lastKey = resp[len(resp)-1].ID
	}
	writeJSONResponse(w, resp, hasMore, lastKey)
}

// handleClusterMember handles GET /admin/cluster/members/{memberID}
func (h *AdminHandlers) handleClusterMember(w http.ResponseWriter, r *http.Request) {
	id, err := hex.DecodeString(chi.URLParam(r, "memberID"))
	if err != nil || len(id) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "invalid member ID")
		return
	}

	m, err := h.view.Member(id)
	if err != nil {
		var nf *interceptor.MemberNotFoundError
		if errors.As(err, &nf) {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, toMemberJSON(m, h.view.LocalMember()), false, "")
}

// handleClusterLocal handles GET /admin/cluster/local
func (h *AdminHandlers) handleClusterLocal(w http.ResponseWriter, r *http.Request) {
	local := h.view.LocalMember()
	writeJSONResponse(w, toMemberJSON(local, local), false, "")
}

// handleClusterHealth handles GET /admin/cluster/health
func (h *AdminHandlers) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	state := h.view.State()
	resp := map[string]interface{}{
		"state":        state.String(),
		"services":     h.view.Services().String(),
		"member_count": len(h.view.Members()),
		"uptime":       time.Since(h.startedAt).Round(time.Second).String(),
	}

	if state != channel.StateRunning {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSONResponse(w, resp, false, "")
}

// handleClusterView handles GET /admin/cluster/view
func (h *AdminHandlers) handleClusterView(w http.ResponseWriter, r *http.Request) {
	src, ok := h.view.(GroupSource)
	if !ok || src.Group() == nil {
		writeErrorResponse(w, http.StatusNotFound, "group view not tracked")
		return
	}
	group := src.Group()
	local := h.view.LocalMember()

	view := group.View()
	members := make([]memberJSON, 0, len(view))
	for _, m := range view {
		members = append(members, toMemberJSON(m, local))
	}
	resp := map[string]interface{}{
		"view_id":        group.ViewID(),
		"coordinator":    group.Coordinator().ID(),
		"is_coordinator": group.IsCoordinator(),
		"members":        members,
	}
	writeJSONResponse(w, resp, false, "")
}

// handleClusterStart handles POST /admin/cluster/start/{services}
func (h *AdminHandlers) handleClusterStart(w http.ResponseWriter, r *http.Request) {
	h.changeServices(w, r, "start", h.view.Start)
}

// handleClusterStop handles POST /admin/cluster/stop/{services}
func (h *AdminHandlers) handleClusterStop(w http.ResponseWriter, r *http.Request) {
	h.changeServices(w, r, "stop", h.view.Stop)
}

func (h *AdminHandlers) changeServices(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(context.Context, membership.ServiceMask) error,
) {
	svc, err := membership.ParseServiceMask(chi.URLParam(r, "services"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.serviceLimit)
	defer cancel()

	if err := fn(ctx, svc); err != nil {
		log.Warn().Err(err).Str("op", op).Str("services", svc.String()).Msg("Admin service change failed")
		var stopped *channel.ChannelStoppedError
		if errors.As(err, &stopped) {
			writeErrorResponse(w, http.StatusConflict, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("op", op).Str("services", svc.String()).Msg("Admin service change applied")
	writeJSONResponse(w, map[string]interface{}{
		"state":    h.view.State().String(),
		"services": h.view.Services().String(),
	}, false, "")
}
