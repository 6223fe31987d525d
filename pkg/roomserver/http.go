package roomserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/steprooms/pkg/grid"
	"github.com/astromechza/steprooms/pkg/protocol"
)

const roomNotFound = "Room not found!"

// Handler serves the room connections and the auxiliary HTTP endpoints.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.getSync)
	r.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.listRooms)
	r.Methods(http.MethodPut).Path("/rooms").HandlerFunc(s.createRoom)
	r.Methods(http.MethodGet).Path("/").HandlerFunc(s.serveRoom)
	r.Methods(http.MethodGet).Path("/{room}").HandlerFunc(s.serveRoom)
	return r
}

func (s *Server) getSync(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	writer.Header().Set("Cache-Control", "no-store")
	if _, err := fmt.Fprintf(writer, "%d", s.opts.Now().UnixMilli()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) listRooms(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, s.Rooms())
}

type createRoomRequest struct {
	Name  string            `json:"name"`
	BPM   protocol.FlexInt  `json:"bpm"`
	Root  string            `json:"root"`
	Scale string            `json:"scale"`
	Bars  *protocol.FlexInt `json:"bars,omitempty"`
}

func (s *Server) createRoom(writer http.ResponseWriter, request *http.Request) {
	var inputs createRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(writer, request.Body, 4096)).Decode(&inputs); err != nil {
		slog.Debug("failed to decode body", "err", err)
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	params := grid.Params{Name: inputs.Name, BPM: int(inputs.BPM), Root: inputs.Root, Scale: inputs.Scale}
	if inputs.Bars != nil {
		params.Bars = int(*inputs.Bars)
	}
	info, err := s.CreateRoom(params)
	if err != nil {
		var verr *grid.ValidationError
		if errors.As(err, &verr) {
			writeJSON(writer, http.StatusUnprocessableEntity, map[string]string{"error": verr.Error(), "field": verr.Field})
			return
		}
		slog.Error("failed to create room", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{"id": info.ID, "name": info.Name})
}

// serveRoom upgrades the request and runs the connection until it closes. A missing room gets a
// single ERROR frame before the connection is terminated.
func (s *Server) serveRoom(writer http.ResponseWriter, request *http.Request) {
	if !websocket.IsWebSocketUpgrade(request) {
		http.NotFound(writer, request)
		return
	}
	rm, ok := s.lookup(mux.Vars(request)["room"])

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Debug("failed to upgrade", "err", err)
		return
	}
	if !ok {
		deadline := time.Now().Add(writeWait)
		_ = conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(protocol.Error{Reason: roomNotFound})); err != nil {
			slog.Error("failed to write error", "err", err)
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room not found"), deadline)
		_ = conn.Close()
		return
	}

	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}
	p := newParticipant(uuid.NewString(), conn, s.opts.SendBuffer)
	go p.writePump()
	rm.join(p)
	defer func() {
		rm.leave(p)
		p.Close()
	}()
	p.readPump(rm, limiter)
}

func writeJSON(writer http.ResponseWriter, status int, v interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
