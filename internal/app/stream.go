package app

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/orchestrator"
	"github.com/MrWong99/chorus/internal/participation"
)

// streamRequest is one client frame on the session stream. Exactly one of
// Text and Draw is expected.
type streamRequest struct {
	Text string               `json:"text,omitempty"`
	Draw participation.Spread `json:"draw,omitempty"`
}

// streamEvent is one server frame. Type is "result", "reading" or "error".
type streamEvent struct {
	Type    string                `json:"type"`
	Result  *orchestrator.Result  `json:"result,omitempty"`
	Reading *orchestrator.Reading `json:"reading,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// handleStream upgrades to a websocket and serves the session until the
// client closes. Frames are handled in order, one at a time.
func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	if _, err := a.sessions.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("app: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	log := observe.Logger(ctx).With("session_id", id)
	for {
		var req streamRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				log.Debug("app: stream read ended", "err", err)
			}
			return
		}

		ev := a.streamFrame(ctx, id, req)
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			log.Debug("app: stream write failed", "err", err)
			return
		}
	}
}

func (a *api) streamFrame(ctx context.Context, id string, req streamRequest) streamEvent {
	switch {
	case req.Text != "":
		res, err := a.sessions.ProcessMessage(ctx, id, req.Text)
		if err != nil {
			return streamEvent{Type: "error", Error: err.Error()}
		}
		return streamEvent{Type: "result", Result: res}

	case req.Draw != "":
		if !req.Draw.IsValid() {
			return streamEvent{Type: "error", Error: "unknown spread " + string(req.Draw)}
		}
		orch, err := a.sessions.Get(ctx, id)
		if err != nil {
			return streamEvent{Type: "error", Error: err.Error()}
		}
		reading, err := orch.ManualDraw(ctx, req.Draw)
		if err != nil {
			return streamEvent{Type: "error", Error: err.Error()}
		}
		return streamEvent{Type: "reading", Reading: reading}

	default:
		return streamEvent{Type: "error", Error: "frame needs text or draw"}
	}
}
