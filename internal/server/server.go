// Package server exposes the game engine over HTTP and WebSocket: a chi
// router for the REST surface plus a per-game connection hub for
// out-of-band events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"questmaster/internal/gamemaster"
	"questmaster/internal/imagegen"
	"questmaster/internal/store"
)

// Engine is the orchestration surface the transport layer consumes.
type Engine interface {
	HandlePlayerMessage(ctx context.Context, sessionKey, input string) (*gamemaster.GMResponse, error)
	History(ctx context.Context, sessionKey string) ([]store.Turn, error)
	Stats(ctx context.Context, sessionKey string) (gamemaster.MemoryStats, error)
	Reset(ctx context.Context, sessionKey string) error
}

// Config holds the transport settings.
type Config struct {
	Addr        string
	ImageDir    string
	ServiceName string
	Version     string
}

// Server ties the engine to the outside world.
type Server struct {
	engine Engine
	hub    *Hub
	logger *zap.Logger
	cfg    Config
	http   *http.Server
}

// New builds the server and its router.
func New(engine Engine, logger *zap.Logger, cfg Config) *Server {
	s := &Server{
		engine: engine,
		hub:    NewHub(),
		logger: logger,
		cfg:    cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/api/chat", s.handleChat)
	r.Get("/api/history/{gameID}", s.handleHistory)
	r.Get("/api/memory/{gameID}", s.handleMemory)
	r.Post("/api/reset/{gameID}", s.handleReset)
	r.Get("/ws/{gameID}", s.handleWS)

	if cfg.ImageDir != "" {
		fs := http.StripPrefix("/images/", http.FileServer(http.Dir(cfg.ImageDir)))
		r.Get("/images/*", fs.ServeHTTP)
	}

	s.http = &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WebSocket sessions stay open across many exchanges.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ImageSink returns the coordinator-facing event sink: completed image
// jobs are broadcast to every socket watching the game.
func (s *Server) ImageSink() func(imagegen.ImageEvent) {
	return func(ev imagegen.ImageEvent) {
		s.logger.Info("image ready",
			zap.String("game_id", ev.SessionKey),
			zap.Int("images", len(ev.ImageURLs)))
		s.hub.Broadcast(ev.SessionKey, "game_image", map[string]interface{}{
			"success":    true,
			"game_id":    ev.SessionKey,
			"prompt":     ev.Prompt,
			"image_urls": ev.ImageURLs,
			"timestamp":  ev.Timestamp.Format(time.RFC3339),
		})
	}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server listening", zap.String("addr", s.cfg.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

type chatRequest struct {
	GameID  string `json:"game_id"`
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GameID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "game_id and message are required")
		return
	}

	resp, err := s.engine.HandlePlayerMessage(r.Context(), req.GameID, req.Message)
	if err != nil {
		if errors.Is(err, gamemaster.ErrSessionEnded) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"success": false,
				"error":   "this game has ended; reset it to play again",
				"code":    "session_ended",
			})
			return
		}
		s.logger.Error("chat exchange failed", zap.String("game_id", req.GameID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, chatPayload(req.GameID, resp))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	turns, err := s.engine.History(r.Context(), gameID)
	if err != nil {
		s.logger.Error("history read failed", zap.String("game_id", gameID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	history := make([]map[string]interface{}, 0, len(turns))
	for _, t := range turns {
		entry := map[string]interface{}{
			"sequence_number": t.Seq,
			"role":            t.Role,
			"content":         t.Text,
			"timestamp":       t.CreatedAt.Format(time.RFC3339),
		}
		if t.ImageRef != "" {
			entry["image_url"] = t.ImageRef
		}
		history = append(history, entry)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"game_id": gameID,
		"history": history,
		"total":   len(history),
	})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	stats, err := s.engine.Stats(r.Context(), gameID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	if err := s.engine.Reset(r.Context(), gameID); err != nil {
		s.logger.Error("reset failed", zap.String("game_id", gameID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("game reset", zap.String("game_id", gameID))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"game_id": gameID,
		"message": "game memory cleared",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   s.cfg.ServiceName,
		"version":   s.cfg.Version,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}
