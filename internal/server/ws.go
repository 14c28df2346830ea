package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"questmaster/internal/gamemaster"
	"questmaster/internal/logging"
)

// clientMessage is what the frontend sends over the socket: a plain
// player action, optionally wrapped in JSON.
type clientMessage struct {
	Message string `json:"message"`
}

// handleWS upgrades /ws/{gameID} and runs the read loop. Each inbound
// message becomes one orchestrated exchange; the reply goes back on the
// same socket as a game_response event, and image events arrive later
// through the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if gameID == "" {
		http.Error(w, "game id required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	s.hub.register(gameID, conn)
	defer s.hub.unregister(gameID, conn)
	logging.Session("ws connected: game %s (%d live)", gameID, s.hub.ConnectionCount(gameID))

	s.writeEvent(conn, "status", map[string]string{
		"message": fmt.Sprintf("connected to game session %s", gameID),
	})

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				logging.SessionDebug("ws read ended for %s: %v", gameID, err)
			}
			return
		}

		var msg clientMessage
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil || msg.Message == "" {
			// Raw text is accepted as the player action.
			msg.Message = string(data)
		}
		if msg.Message == "" {
			s.writeEvent(conn, "error", map[string]string{"message": "empty message"})
			continue
		}

		resp, err := s.engine.HandlePlayerMessage(r.Context(), gameID, msg.Message)
		if err != nil {
			if errors.Is(err, gamemaster.ErrSessionEnded) {
				s.writeEvent(conn, "error", map[string]string{
					"message": "this game has ended; reset it to play again",
					"code":    "session_ended",
				})
				continue
			}
			s.logger.Error("exchange failed", zap.String("game_id", gameID), zap.Error(err))
			s.writeEvent(conn, "error", map[string]string{"message": err.Error()})
			continue
		}

		s.writeEvent(conn, "game_response", chatPayload(gameID, resp))
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, event string, payload interface{}) {
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		logging.SessionDebug("ws write failed: %v", err)
	}
}

// chatPayload flattens a GMResponse into the client-facing shape shared
// by the REST and WebSocket paths.
func chatPayload(gameID string, resp *gamemaster.GMResponse) map[string]interface{} {
	p := map[string]interface{}{
		"success":    resp.Success,
		"game_id":    gameID,
		"message":    resp.Message,
		"response":   resp.Message,
		"options":    resp.Options,
		"need_image": resp.NeedImage,
		"timestamp":  resp.Timestamp,
	}
	if resp.ImageInfo != nil {
		p["image_info"] = resp.ImageInfo
	}
	if resp.GameOver {
		p["game_over"] = true
		p["character_death"] = resp.CharacterDeath
		p["character_name"] = resp.CharacterName
	}
	return p
}
