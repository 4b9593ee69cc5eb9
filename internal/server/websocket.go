package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/fcsandbox/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type   string      `json:"type"`
	Status wire.Status `json:"status,omitempty"`
	Output string      `json:"output"`
	Error  string      `json:"error,omitempty"`
}

// handleWebSocket runs one execution per "execute" message, in order, until
// the client goes away or the sandbox is destroyed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.pool.Get(id); !ok {
		http.Error(w, "sandbox not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	log := s.log.WithField("sandbox", id)

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("websocket read ended")
			}
			return
		}

		if msg.Type != "execute" {
			wsWriteJSON(log, conn, wsOutgoing{Type: "error", Error: "invalid message"})
			continue
		}

		resp, err := s.pool.Execute(r.Context(), id, msg.Code)
		if err != nil {
			wsWriteJSON(log, conn, wsOutgoing{Type: "error", Error: err.Error()})
			return
		}
		wsWriteJSON(log, conn, wsOutgoing{Type: "result", Status: resp.Status, Output: resp.Output})
	}
}

func wsWriteJSON(log *logrus.Entry, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("websocket marshal failed")
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.WithError(err).Debug("websocket write failed")
	}
}
