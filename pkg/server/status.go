package server

import (
	"net/http"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/amber"
	"github.com/tariffpilot/tariffpilot/pkg/common"
	"github.com/tariffpilot/tariffpilot/pkg/engine"
	"github.com/tariffpilot/tariffpilot/pkg/log"
)

type statusResponse struct {
	Version       string              `json:"version"`
	ServerTime    time.Time           `json:"serverTime"`
	CurrentPeriod time.Time           `json:"currentPeriod"`
	PeriodSynced  bool                `json:"periodSynced"`
	Stream        *amber.StreamHealth `json:"stream,omitempty"`
}

// handleStatus reports the sync coordinator and price stream state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:       common.Version(),
		ServerTime:    time.Now().UTC(),
		CurrentPeriod: engine.CurrentPeriod(time.Now()),
		PeriodSynced:  s.engine.Coordinator().IsPeriodClaimed(),
	}
	if s.stream != nil {
		h := s.stream.Health()
		resp.Stream = &h
	}
	writeJSON(w, resp)
}

// handleUpdate forces a full sync pass outside the 5-minute schedule.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log.Ctx(ctx).InfoContext(ctx, "manual sync triggered")
	s.engine.RunSyncNow(ctx)
	writeJSON(w, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// handleSpikeCheck forces a wholesale market check outside the schedule.
func (s *Server) handleSpikeCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log.Ctx(ctx).InfoContext(ctx, "manual spike check triggered")
	s.engine.RunSpike(ctx)
	writeJSON(w, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}
