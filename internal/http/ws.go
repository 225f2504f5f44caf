package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsFrame is the wire envelope for room traffic. Outbound frames carry
// exactly one of catch_up, location, or status; inbound publisher
// frames carry position.
type wsFrame struct {
	Type     string                 `json:"type"`
	CatchUp  *room.CatchUp          `json:"catch_up,omitempty"`
	Location *models.LocationUpdate `json:"location,omitempty"`
	Status   *models.StatusChanged  `json:"status,omitempty"`
	Position *models.Position       `json:"position,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// wsConn adapts a websocket connection to room.Conn. Writes are
// serialized behind a mutex since broadcasts come from many goroutines.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) SendLocation(u models.LocationUpdate) error {
	return c.writeJSON(wsFrame{Type: "location", Location: &u})
}

func (c *wsConn) SendStatus(ev models.StatusChanged) error {
	return c.writeJSON(wsFrame{Type: "status", Status: &ev})
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room closed"),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// handleRoomWS joins the caller to the ride's room. role=publisher is
// the assigned driver streaming positions; role=subscriber (default)
// is a rider or admin observing. The first outbound frame is always
// the catch-up snapshot.
func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	identity := r.Header.Get("X-Caller-ID")
	if identity == "" {
		http.Error(w, "missing caller identity", http.StatusUnauthorized)
		return
	}
	role := room.Role(r.URL.Query().Get("role"))
	if role == "" {
		role = room.RoleSubscriber
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	wc := &wsConn{conn: conn}
	connID := newID()

	catchUp, err := s.Broker.Join(r.Context(), rideID, connID, identity, role, wc)
	if err != nil {
		_ = wc.writeJSON(wsFrame{Type: "error", Error: err.Error()})
		_ = conn.Close()
		return
	}
	if err := wc.writeJSON(wsFrame{Type: "catch_up", CatchUp: &catchUp}); err != nil {
		s.Broker.Leave(rideID, connID)
		_ = conn.Close()
		return
	}

	s.logger.Info("room member joined", "ride_id", rideID, "role", role, "identity", identity)

	// the read loop doubles as disconnect detection for subscribers
	defer func() {
		s.Broker.Leave(rideID, connID)
		_ = conn.Close()
		s.logger.Info("room member left", "ride_id", rideID, "role", role, "identity", identity)
	}()

	conn.SetReadLimit(1024)
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("ws read error", "ride_id", rideID, "error", err)
			}
			return
		}
		if role != room.RolePublisher || frame.Type != "position" || frame.Position == nil {
			continue
		}
		pos := *frame.Position
		if pos.Timestamp.IsZero() {
			pos.Timestamp = time.Now()
		}
		if err := s.Broker.Publish(r.Context(), rideID, connID, pos); err != nil {
			_ = wc.writeJSON(wsFrame{Type: "error", Error: err.Error()})
		}
	}
}
