package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/orchestrator"
	"github.com/MrWong99/chorus/internal/participation"
)

// maxBodyBytes caps request bodies on the session API.
const maxBodyBytes = 64 << 10

// api serves the session routes of the demo host.
type api struct {
	sessions *SessionManager
}

func newAPI(sm *SessionManager) *api { return &api{sessions: sm} }

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions", a.handleList)
	mux.HandleFunc("GET /sessions/{session}", a.handleState)
	mux.HandleFunc("DELETE /sessions/{session}", a.handleDelete)
	mux.HandleFunc("POST /sessions/{session}/messages", a.handleMessage)
	mux.HandleFunc("POST /sessions/{session}/draw", a.handleDraw)
	mux.HandleFunc("POST /sessions/{session}/reset", a.handleReset)
	mux.HandleFunc("POST /sessions/{session}/seed", a.handleSeed)
	mux.HandleFunc("GET /sessions/{session}/voices", a.handleVoices)
	mux.HandleFunc("GET /sessions/{session}/stream", a.handleStream)
	mux.HandleFunc("POST /sessions/{session}/voices/{voice}/kill", a.handleKill)
	mux.HandleFunc("POST /sessions/{session}/voices/{voice}/ego-death", a.handleEgoDeath)
	mux.HandleFunc("DELETE /sessions/{session}/voices/{voice}", a.handlePurge)
}

type messageRequest struct {
	Text string `json:"text"`
}

type drawRequest struct {
	Spread participation.Spread `json:"spread"`
}

type killRequest struct {
	Reason string `json:"reason"`
}

type seedRequest struct {
	Personas []string `json:"personas"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

func (a *api) handleState(w http.ResponseWriter, r *http.Request) {
	orch, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orch.State())
}

func (a *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Delete(r.Context(), r.PathValue("session")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}
	res, err := a.sessions.ProcessMessage(r.Context(), r.PathValue("session"), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handleDraw(w http.ResponseWriter, r *http.Request) {
	var req drawRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.Spread == "" {
		req.Spread = participation.SpreadSingle
	}
	if !req.Spread.IsValid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown spread " + string(req.Spread)})
		return
	}
	orch, ok := a.session(w, r)
	if !ok {
		return
	}
	reading, err := orch.ManualDraw(r.Context(), req.Spread)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if reading == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (a *api) handleReset(w http.ResponseWriter, r *http.Request) {
	orch, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := orch.ResetSession(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleSeed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Personas) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "personas are required"})
		return
	}
	orch, ok := a.session(w, r)
	if !ok {
		return
	}
	res, err := orch.SeedFromPersona(r.Context(), req.Personas...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "session already has voices"})
		return
	}
	a.sessions.runFollowUps(r.Context(), orch, res.FollowUps)
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handleVoices(w http.ResponseWriter, r *http.Request) {
	orch, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orch.Voices())
}

func (a *api) handleKill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	a.voiceAction(w, r, func(orch *orchestrator.Orchestrator, ctx context.Context, id string) (bool, error) {
		return orch.KillVoice(ctx, id, req.Reason)
	})
}

func (a *api) handleEgoDeath(w http.ResponseWriter, r *http.Request) {
	a.voiceAction(w, r, (*orchestrator.Orchestrator).EgoDeath)
}

func (a *api) handlePurge(w http.ResponseWriter, r *http.Request) {
	a.voiceAction(w, r, (*orchestrator.Orchestrator).PurgeVoice)
}

// voiceAction runs an admin action on the {voice} path value. A false
// result means the voice is unknown or not in a state the action accepts.
func (a *api) voiceAction(w http.ResponseWriter, r *http.Request, act func(*orchestrator.Orchestrator, context.Context, string) (bool, error)) {
	orch, ok := a.session(w, r)
	if !ok {
		return
	}
	done, err := act(orch, r.Context(), r.PathValue("voice"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !done {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no matching voice"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// session resolves the {session} path value, writing the error response when
// it fails.
func (a *api) session(w http.ResponseWriter, r *http.Request) (*orchestrator.Orchestrator, bool) {
	orch, err := a.sessions.Get(r.Context(), r.PathValue("session"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return orch, true
}

// decode reads a JSON body into v, writing a 400 or 413 when it cannot.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload exceeds limit"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// writeError maps a session error to a status code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, orchestrator.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrDrawInProgress):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("app: request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
