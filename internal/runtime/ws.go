package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/minerlex/internal/pipeline"
	"github.com/loqalabs/minerlex/internal/protocol"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket runs one turn per TurnRequest frame, streaming status
// events and then the result. Turns on one socket run one after another.
func (r *Runtime) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	if limit := r.cfg.HTTP.MaxUploadBytes; limit > 0 {
		conn.SetReadLimit(limit)
	}

	ctx := req.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("websocket closed", slog.String("error", err.Error()))
			}
			return
		}

		var tr protocol.TurnRequest
		if err := json.Unmarshal(data, &tr); err != nil {
			resp := protocol.TurnResponse{
				State: string(pipeline.Aborted),
				Error: &protocol.TurnError{Kind: "bad_request", Message: "Malformed turn request.", Detail: err.Error()},
			}
			if r.send(conn, protocol.Event{Type: protocol.EventResult, Result: &resp}) != nil {
				return
			}
			continue
		}

		in, label, opts := tr.Turn(r.defaultLanguage())
		opts = append(opts, pipeline.WithObserver(pipeline.ObserverFunc(func(t pipeline.Transition) {
			st := protocol.StatusFromTransition(t)
			_ = r.send(conn, protocol.Event{Type: protocol.EventStatus, Status: &st})
		})))

		res, err := r.turns.Run(ctx, in, label, opts...)
		var resp protocol.TurnResponse
		if err != nil {
			_, resp = failureResponse(tr.TurnID, err)
		} else {
			resp = protocol.ResponseFromResult(res)
			r.release(res)
		}
		if r.send(conn, protocol.Event{Type: protocol.EventResult, Result: &resp}) != nil {
			return
		}
	}
}

func (r *Runtime) send(conn *websocket.Conn, evt protocol.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(evt); err != nil {
		r.logger.Debug("websocket write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}
