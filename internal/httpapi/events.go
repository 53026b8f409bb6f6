package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// handleEventsSSE streams broadcast messages as Server-Sent Events.
// Each message carries the hub sequence as its SSE id so clients can
// detect gaps and fall back to a full listing fetch. Heartbeat comments
// keep intermediaries from reaping quiet connections.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	sub := s.hub.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected %s\n\n", sub.ID())
	flusher.Flush()
	sub.Activate()

	heartbeat := time.NewTicker(s.cfg.SSEHeartbeat)
	defer heartbeat.Stop()
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			sub.Drain()
			return
		case <-idle.C:
			sub.Drain()
			fmt.Fprint(w, ": idle timeout\n\n")
			flusher.Flush()
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case msg, open := <-sub.Messages():
			if !open {
				return
			}
			frame, err := formatSSE(msg)
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				sub.Drain()
				return
			}
			flusher.Flush()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)
		}
	}
}

// handleEventsWebSocket streams broadcast messages over a websocket.
// The client is not expected to send anything; its read side exists
// only so a disconnect surfaces promptly.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server shutting down")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.hub.Subscribe()
	defer sub.Close()
	sub.Activate()

	// Drain the read side; a read error means the client is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			sub.Drain()
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case <-idle.C:
			sub.Drain()
			conn.Close(websocket.StatusNormalClosure, "idle timeout")
			return
		case msg, open := <-sub.Messages():
			if !open {
				conn.Close(websocket.StatusNormalClosure, "hub closed")
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			writeCancel()
			if err != nil {
				sub.Drain()
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)
		}
	}
}
