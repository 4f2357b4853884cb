package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"reflexduel/internal/auth"
	"reflexduel/internal/config"
	"reflexduel/internal/duel"
	"reflexduel/internal/event"
	"reflexduel/internal/notify"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const userContextKey contextKey = "user"

const dispatchSecretHeader = "X-Dispatch-Secret"

type UserContext struct {
	UserID string
	Email  string
	Token  string
}

// Authenticator is the subset of the Supabase client the API needs.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (auth.Session, error)
	VerifyAccessToken(ctx context.Context, accessToken string) (auth.User, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context) (notify.Report, error)
}

type Feed interface {
	Subscribe(battleID string) (<-chan event.Event, func())
}

type Server struct {
	cfg       config.APIConfig
	log       *slog.Logger
	auth      Authenticator
	duels     *duel.Service
	dispatch  Dispatcher
	feed      Feed
	keepAlive time.Duration
	clock     func() time.Time
	mux       *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, authClient Authenticator, duels *duel.Service, dispatcher Dispatcher, feed Feed) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		log:       logger,
		auth:      authClient,
		duels:     duels,
		dispatch:  dispatcher,
		feed:      feed,
		keepAlive: 15 * time.Second,
		clock:     time.Now,
		mux:       chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		})
		r.Post("/v1/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/v1/battles/active", s.handleActiveBattle)
			r.Get("/v1/battles/{id}", s.handleBattle)
			r.Post("/v1/battles/{id}/advance", s.handleAdvance)
			r.Post("/v1/battles/{id}/tap", s.handleTap)
			r.Post("/v1/battles/{id}/resolve", s.handleResolve)
			r.Get("/v1/ghost", s.handleGhost)
		})

		r.With(s.dispatchSecretMiddleware).Post("/internal/notifications/dispatch", s.handleDispatch)
	})

	// The event stream is long-lived and stays outside the request timeout.
	r.With(s.authMiddleware).Get("/v1/battles/{id}/events", s.handleEvents)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			s.log.Error("token verification failed", "err", err)
			writeError(w, http.StatusBadGateway, "token verification unavailable")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID: user.ID,
			Email:  user.Email,
			Token:  token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) dispatchSecretMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(r.Header.Get(dispatchSecretHeader))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.DispatchSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid dispatch secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.auth.Login(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleActiveBattle(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	b, err := s.duels.ActiveForUser(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"battle": b})
}

// participantBattle loads the path battle and checks the caller is in it.
func (s *Server) participantBattle(w http.ResponseWriter, r *http.Request) (UserContext, duel.Battle, bool) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return UserContext{}, duel.Battle{}, false
	}
	b, err := s.duels.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return UserContext{}, duel.Battle{}, false
	}
	if _, ok := b.RoleOf(user.UserID); !ok {
		writeDomainError(w, duel.ErrNotParticipant)
		return UserContext{}, duel.Battle{}, false
	}
	return user, b, true
}

func (s *Server) handleBattle(w http.ResponseWriter, r *http.Request) {
	_, b, ok := s.participantBattle(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"battle": b})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	user, b, ok := s.participantBattle(w, r)
	if !ok {
		return
	}
	var in struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := duel.ParseStatus(in.Status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	updated, err := s.duels.Advance(r.Context(), b.ID, user.UserID, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"battle": updated})
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	user, b, ok := s.participantBattle(w, r)
	if !ok {
		return
	}
	var in struct {
		ReactionMS int64      `json:"reaction_ms"`
		TappedAt   *time.Time `json:"tapped_at,omitempty"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tap := duel.TapInput{BattleID: b.ID, UserID: user.UserID, ReactionMS: in.ReactionMS}
	if in.TappedAt != nil {
		tap.TappedAt = *in.TappedAt
	}
	updated, err := s.duels.RecordTap(r.Context(), tap)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"battle": updated})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	_, b, ok := s.participantBattle(w, r)
	if !ok {
		return
	}
	res, err := s.duels.Resolve(r.Context(), b.ID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"result": res, "already_resolved": false})
	case errors.Is(err, duel.ErrAlreadyResolved):
		writeJSON(w, http.StatusOK, map[string]any{"result": res, "already_resolved": true})
	case errors.Is(err, duel.ErrIncomplete):
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "incomplete", "battle_id": b.ID})
	default:
		var terr *duel.TransferError
		if errors.As(err, &terr) {
			s.log.Error("settlement failed", "battle_id", terr.BattleID, "err", terr.Err)
		}
		writeDomainError(w, err)
	}
}

func (s *Server) handleGhost(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	g, err := s.duels.GhostMode(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ghost_mode": g,
		"in_force":   g.InForce(s.clock().UTC()),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	_, b, ok := s.participantBattle(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, cancel := s.feed.Subscribe(b.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("encode realtime event", "battle_id", ev.BattleID, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type == event.BattleResolved {
				return
			}
		}
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	report, err := s.dispatch.Dispatch(r.Context())
	if err != nil {
		if errors.Is(err, notify.ErrDispatchBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error("dispatch failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("dispatch complete",
		"processed", report.Processed,
		"recipients", report.UniqueRecipients,
		"sent", report.Sent,
		"failed", report.Failed,
	)
	writeJSON(w, http.StatusOK, report)
}

func writeDomainError(w http.ResponseWriter, err error) {
	var terr *duel.TransferError
	switch {
	case errors.Is(err, duel.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, duel.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, duel.ErrNotParticipant):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, duel.ErrAlreadyResolved),
		errors.Is(err, duel.ErrAlreadyTapped),
		errors.Is(err, duel.ErrInvalidTransition),
		errors.Is(err, duel.ErrStaleState),
		errors.Is(err, duel.ErrNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &terr):
		writeError(w, http.StatusServiceUnavailable, "settlement failed, retry resolve")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
