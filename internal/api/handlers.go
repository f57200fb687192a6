package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	rtsup "procd/internal/runtime/supervisor"
	"procd/internal/storage"
	logx "procd/pkg/logx"
)

type healthResponse struct {
	Status    string    `json:"status"`
	ServerID  string    `json:"server_id,omitempty"`
	Running   bool      `json:"running"`
	Stopping  bool      `json:"stopping"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	Processes int       `json:"processes"`
	Active    int       `json:"active"`
	Pending   int       `json:"pending"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.srv.Snapshot()
	resp := healthResponse{
		Status:    "ok",
		ServerID:  snap.ServerID,
		Running:   snap.Running,
		Stopping:  snap.Stopping,
		StartedAt: snap.StartedAt,
		Processes: len(snap.Dispatchers),
	}
	if !snap.StartedAt.IsZero() {
		resp.Uptime = time.Since(snap.StartedAt).Round(time.Second).String()
	}
	for _, d := range snap.Dispatchers {
		resp.Active += d.Active
		resp.Pending += d.Pending
	}
	status := http.StatusOK
	if !snap.Running || snap.Stopping {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Service) handleServers(w http.ResponseWriter, r *http.Request) {
	if s.reg == nil {
		s.writeJSON(w, http.StatusOK, []storage.ServerRecord{})
		return
	}
	servers, err := s.reg.ListServers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if servers == nil {
		servers = []storage.ServerRecord{}
	}
	s.writeJSON(w, http.StatusOK, servers)
}

func (s *Service) handleProcesses(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.srv.Snapshot().Dispatchers)
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, d := range s.srv.Snapshot().Dispatchers {
		if d.Name == name {
			s.writeJSON(w, http.StatusOK, d)
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "process not found: " + name})
}

func (s *Service) handleRecurring(w http.ResponseWriter, r *http.Request) {
	if s.reg == nil {
		s.writeJSON(w, http.StatusOK, []storage.RecurringState{})
		return
	}
	entries, err := s.reg.ListRecurring(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []storage.RecurringState{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Service) handleSubstrates(w http.ResponseWriter, r *http.Request) {
	out := []rtsup.SupervisorSnapshot{}
	if s.substrates != nil {
		out = append(out, s.substrates()...)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response encode failed", logx.Err(err))
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Warn("api request failed", logx.Err(err))
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
