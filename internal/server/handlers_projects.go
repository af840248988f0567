package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentbridge/gateway/internal/sessionlog"
	"github.com/agentbridge/gateway/internal/subscription"
	"github.com/agentbridge/gateway/pkg/apierr"
	"github.com/agentbridge/gateway/pkg/types"
)

// listProjects handles GET /projects.
func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Projects.List()
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// listProjectSessions handles GET /projects/{id}/sessions.
func (s *Server) listProjectSessions(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	proj, ok := s.deps.Projects.Get(projectID)
	if !ok {
		writeAPIErr(w, apierr.New(apierr.NotFound, "no such project"))
		return
	}

	ids, err := s.deps.Logs.ListSessions(proj.Path)
	if err != nil {
		writeAPIErr(w, err)
		return
	}

	summaries := make([]*types.SessionSummary, 0, len(ids))
	for _, id := range ids {
		log := s.deps.Logs.Open(proj.Path, id)
		records, err := log.Read("")
		if err != nil {
			continue
		}
		summary := &types.SessionSummary{ID: id, ProjectID: projectID, MessageCount: len(records)}
		for _, rec := range records {
			if rec.Timestamp > summary.LastActivity {
				summary.LastActivity = rec.Timestamp
			}
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, summaries)
}

// getProjectSession handles GET /projects/{id}/sessions/{sid}[?afterMessageId=...].
func (s *Server) getProjectSession(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	sessionID := chi.URLParam(r, "sid")
	proj, ok := s.deps.Projects.Get(projectID)
	if !ok {
		writeAPIErr(w, apierr.New(apierr.NotFound, "no such project"))
		return
	}

	afterID := r.URL.Query().Get("afterMessageId")
	log := s.deps.Logs.Open(proj.Path, sessionID)
	records, err := log.Read(afterID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// tailProjectSession handles GET /projects/{id}/sessions/{sid}/tail: an
// SSE stream of newly committed records driven by file-change events
// rather than an owning Process. This is the path for sessions whose
// Process has already exited, or that were merged in from another host
// by the Project Index — there is no live Process to subscribe to, only
// a log file that may still be growing on disk.
func (s *Server) tailProjectSession(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	sessionID := chi.URLParam(r, "sid")
	proj, ok := s.deps.Projects.Get(projectID)
	if !ok {
		writeAPIErr(w, apierr.New(apierr.NotFound, "no such project"))
		return
	}

	log := s.deps.Logs.Open(proj.Path, sessionID)
	tailer, err := sessionlog.NewTailer(s.deps.Bus, log)
	if err != nil {
		writeAPIErr(w, apierr.New(apierr.InternalIO, err.Error()))
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeAPIErr(w, apierr.New(apierr.InternalIO, err.Error()))
		return
	}

	records := make(chan *types.Record, 64)
	stop := tailer.Start(func(rec *types.Record) {
		select {
		case records <- rec:
		default:
		}
	})
	defer stop()

	ticker := time.NewTicker(subscription.DefaultHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			sse.writeHeartbeat()
		case rec := <-records:
			if err := sse.writeEvent("message", rec); err != nil {
				return
			}
		}
	}
}

func parseBoolQuery(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
