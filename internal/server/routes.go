package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/blob"
	"github.com/omochice/relay-chat/internal/store"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// HeaderRelayID carries the caller's external id on HTTP requests.
const HeaderRelayID = "X-Relay-Id"

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Get("/ws/{id}", s.handleWebSocket)
	r.Post("/users/{id}", s.handleUser)
	r.Put("/users/{id}/profile", s.handleProfile)
	r.Put("/users/{id}/photo", s.handlePhoto)
	r.Get("/messages", s.handleMessages)
	r.Get("/count", s.handleCount)
	r.Get("/blobs/{hash}", s.handleBlob)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	return r
}

// logRequest logs each request once it has been served. The writer is not
// wrapped so websocket upgrades can still hijack it.
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request_served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonnet.Marshal(v)
	if err != nil {
		s.log.Error("response_encode_failed", zap.Error(err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	s.log.Error(op+"_failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// handleUser looks up the user for {id}, creating it on first contact.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	u, err := store.LookupOrCreateUser(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "user_lookup", err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

// historyQuery parses ?after=<unix seconds> and ?after_id=<id>.
func historyQuery(r *http.Request) (store.Query, error) {
	var q store.Query
	if v := r.URL.Query().Get("after"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return q, errors.New("invalid after")
		}
		q.AfterTimestamp = &ts
	}
	if v := r.URL.Query().Get("after_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return q, errors.New("invalid after_id")
		}
		q.AfterID = &id
	}
	return q, nil
}

// handleMessages returns history for the caller named by X-Relay-Id and
// clears its resync flag.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	externalID := r.Header.Get(HeaderRelayID)
	if externalID == "" {
		http.Error(w, "missing "+HeaderRelayID+" header", http.StatusBadRequest)
		return
	}
	q, err := historyQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	u, err := s.store.LookupUser(ctx, externalID)
	if err != nil {
		s.storeError(w, "user_lookup", err)
		return
	}

	// Cleared before the query so nothing broadcast afterwards is lost.
	if err := s.store.SetSyncFailed(ctx, u.DisplayID, false); err != nil {
		s.storeError(w, "sync_flag_clear", err)
		return
	}
	s.registry.ClearSyncFailed(u.DisplayID)

	messages, err := s.store.QueryMessages(ctx, q.Resolve(s.now()))
	if err != nil {
		s.storeError(w, "message_query", err)
		return
	}
	if messages == nil {
		messages = []protocol.Message{}
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleCount(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"count": s.registry.Count()})
}

type profileRequest struct {
	Name        *string `json:"name"`
	DisplayName *string `json:"displayName"`
	Position    *string `json:"position"`
	Github      *string `json:"github"`
	QQ          *string `json:"qq"`
	WeChat      *string `json:"weChat"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var req profileRequest
	if err := sonnet.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid profile", http.StatusBadRequest)
		return
	}
	s.updateUser(w, r, store.UserUpdate{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Position:    req.Position,
		Github:      req.Github,
		QQ:          req.QQ,
		WeChat:      req.WeChat,
	})
}

// handlePhoto stores the raw request body as the user's photo.
func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Transfer.MaxSize.Int64()
	body := http.MaxBytesReader(w, r.Body, limit)
	hash, err := s.blobs.Save(r.Context(), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "photo too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.log.Error("photo_save_failed", zap.Error(err))
		http.Error(w, "failed to store photo", http.StatusInternalServerError)
		return
	}
	s.updateUser(w, r, store.UserUpdate{Photo: &hash})
}

// updateUser applies up to the user {id}, refreshes any live session and
// broadcasts UPDATE_USER to everyone.
func (s *Server) updateUser(w http.ResponseWriter, r *http.Request, up store.UserUpdate) {
	ctx := r.Context()
	u, err := s.store.LookupUser(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "user_lookup", err)
		return
	}
	u, err = s.store.UpdateUser(ctx, u.DisplayID, up)
	if err != nil {
		s.storeError(w, "user_update", err)
		return
	}
	s.registry.UpdateUser(u)
	if _, err := s.registry.BroadcastAll(s.ctx, protocol.UserFrame(protocol.FrameUpdateUser, u)); err != nil {
		s.log.Error("user_broadcast_failed", zap.String("display_id", u.DisplayID), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	rc, err := s.blobs.Get(r.Context(), chi.URLParam(r, "hash"))
	switch {
	case errors.Is(err, blob.ErrInvalidHash):
		http.Error(w, "invalid hash", http.StatusBadRequest)
		return
	case errors.Is(err, blob.ErrNotFound):
		http.Error(w, "blob not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("blob_get_failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Debug("blob_copy_failed", zap.Error(err))
	}
}
