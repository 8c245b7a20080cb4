// Package authority is a self-contained flag authority for local development
// and end-to-end tests.
//
// It exchanges bcrypt-hashed API keys for HS256 session tokens, serves
// evaluations per environment and target, and publishes every change on a
// server-sent events feed per environment. Streams replay missed events from
// the Last-Event-ID header and send comment heartbeats while idle.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/middleware"
)

// APIPrefix is the path every client endpoint is served under.
const APIPrefix = "/api/1.0"

const (
	defaultTokenTTL          = 24 * time.Hour
	defaultHeartbeatInterval = 15 * time.Second
	defaultClusterID         = "1"
	maxJSONBodyBytes         = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type Config struct {
	// SigningKey signs session tokens; at least MinSigningKeyLength bytes.
	SigningKey []byte
	// TokenTTL defaults to 24h.
	TokenTTL time.Duration
	// ClusterID is stamped into every token. Defaults to "1".
	ClusterID string
	// HeartbeatInterval is the idle time before a stream heartbeat.
	// Defaults to 15s.
	HeartbeatInterval time.Duration
	// MaxAuthFailuresPerMinute bounds failed authentications per client
	// address. Zero uses the middleware default.
	MaxAuthFailuresPerMinute int
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

type apiKey struct {
	hash        string
	environment Environment
}

type Server struct {
	store     *Store
	signer    *tokenSigner
	limiter   *middleware.FailureLimiter
	logger    *slog.Logger
	clock     clock.Clock
	heartbeat time.Duration

	mu   sync.RWMutex
	keys []apiKey

	quit      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, opts ...Option) (*Server, error) {
	s := &Server{
		logger: slog.Default(),
		clock:  clock.WallClock,
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "authority")

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	cluster := cfg.ClusterID
	if cluster == "" {
		cluster = defaultClusterID
	}
	signer, err := newTokenSigner(cfg.SigningKey, ttl, cluster, s.clock)
	if err != nil {
		return nil, err
	}
	store, err := NewStore()
	if err != nil {
		return nil, err
	}

	s.signer = signer
	s.store = store
	s.limiter = middleware.NewFailureLimiter(s.clock, cfg.MaxAuthFailuresPerMinute)
	s.heartbeat = cfg.HeartbeatInterval
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeatInterval
	}
	return s, nil
}

// AddAPIKey registers a bcrypt hash that authenticates into env.
func (s *Server) AddAPIKey(hash string, env Environment) error {
	if strings.TrimSpace(env.ID) == "" {
		return errors.New("environment id is required")
	}
	if hash == "" {
		return errors.New("api key hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, apiKey{hash: hash, environment: env})
	return nil
}

// SetEvaluation stores eval for target and publishes a change event when the
// value changed.
func (s *Server) SetEvaluation(environment, target string, eval core.Evaluation) error {
	if environment == "" || target == "" || eval.Flag == "" {
		return errors.New("environment, target and flag are required")
	}
	ev, changed, err := s.store.Put(environment, target, eval)
	if err != nil {
		return err
	}
	if changed {
		s.logger.Info("evaluation changed",
			"environment", environment,
			"target", target,
			"flag", eval.Flag,
			"event_id", ev.ID,
		)
	}
	return nil
}

func (s *Server) Store() *Store {
	return s.store
}

// Close ends every open stream. Requests that are not streams are
// unaffected.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

func (s *Server) Handler() http.Handler {
	authed := middleware.BearerAuth(s.signer, middleware.WithFailureLimiter(s.limiter))
	evaluations := APIPrefix + "/client/env/{env}/target/{target}/evaluations"

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+APIPrefix+"/client/auth", s.handleAuth)
	mux.Handle("GET "+evaluations, authed(http.HandlerFunc(s.handleListEvaluations)))
	mux.Handle("GET "+evaluations+"/{flag}", authed(http.HandlerFunc(s.handleGetEvaluation)))
	mux.Handle("PUT "+evaluations+"/{flag}", authed(http.HandlerFunc(s.handlePutEvaluation)))
	mux.Handle("GET "+APIPrefix+"/stream/environments/{env}", authed(http.HandlerFunc(s.handleStream)))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return middleware.RequestLogging(s.logger)(mux)
}

type authRequest struct {
	APIKey string `json:"apiKey"`
	Target struct {
		Identifier string `json:"identifier"`
		Name       string `json:"name"`
	} `json:"target"`
}

type authResponse struct {
	AuthToken string `json:"authToken"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	ip := middleware.ExtractIP(r.RemoteAddr)
	if !s.limiter.Allow(ip) {
		writeJSONError(w, http.StatusTooManyRequests, "too many failed attempts")
		return
	}

	var req authRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	target := strings.TrimSpace(req.Target.Identifier)
	if strings.TrimSpace(req.APIKey) == "" || target == "" {
		writeJSONError(w, http.StatusBadRequest, "apiKey and target.identifier are required")
		return
	}

	env, ok := s.lookupAPIKey(req.APIKey)
	if !ok {
		if !s.limiter.RecordFailure(ip) {
			writeJSONError(w, http.StatusTooManyRequests, "too many failed attempts")
			return
		}
		writeJSONError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	token, err := s.signer.issue(env, target)
	if err != nil {
		middleware.LoggerFromContext(r.Context()).Error("issue token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{AuthToken: token})
}

func (s *Server) lookupAPIKey(key string) (Environment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if middleware.APIKeyMatchesHash(k.hash, key) {
			return k.environment, true
		}
	}
	return Environment{}, false
}

// environmentFromPath returns the path environment after checking that the
// caller's token was issued for it.
func environmentFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	env := strings.TrimSpace(r.PathValue("env"))
	if env == "" {
		writeJSONError(w, http.StatusBadRequest, "environment is required")
		return "", false
	}
	if tokenEnv, _ := middleware.EnvironmentFromContext(r.Context()); tokenEnv != env {
		writeJSONError(w, http.StatusForbidden, "token is not valid for this environment")
		return "", false
	}
	return env, true
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentFromPath(w, r)
	if !ok {
		return
	}
	evals, err := s.store.List(env, r.PathValue("target"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evals)
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentFromPath(w, r)
	if !ok {
		return
	}
	eval, found, err := s.store.Get(env, r.PathValue("target"), r.PathValue("flag"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handlePutEvaluation(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentFromPath(w, r)
	if !ok {
		return
	}
	flag := strings.TrimSpace(r.PathValue("flag"))

	var eval core.Evaluation
	if err := decodeJSONBody(w, r, &eval); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(eval.Flag) != "" && eval.Flag != flag {
		writeJSONError(w, http.StatusBadRequest, "path flag and body flag must match")
		return
	}
	eval.Flag = flag

	if err := s.SetEvaluation(env, r.PathValue("target"), eval); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentFromPath(w, r)
	if !ok {
		return
	}
	// Without Last-Event-ID only changes from now on are sent.
	lastEventID := s.store.LastEventID()
	if raw := r.Header.Get("Last-Event-ID"); strings.TrimSpace(raw) != "" {
		id, err := parseLastEventID(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		lastEventID = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := middleware.LoggerFromContext(r.Context())
	logger.Info("stream opened", "environment", env, "last_event_id", lastEventID)

	current := lastEventID
	for {
		events, watch, err := s.store.EventsSince(env, current)
		if err != nil {
			logger.Error("read change feed", "error", err)
			writeSSEError(w, flusher, "internal server error")
			return
		}
		for _, ev := range events {
			payload, err := json.Marshal(ev.Message)
			if err != nil {
				writeSSEError(w, flusher, "internal server error")
				return
			}
			if err := writeSSEEvent(w, ev.ID, FlagDomain, payload); err != nil {
				return
			}
			current = ev.ID
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-s.quit:
			return
		case <-watch:
		case <-s.clock.After(s.heartbeat):
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, errors.New("invalid event id")
	}
	return id, nil
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
		return
	}
	middleware.LoggerFromContext(r.Context()).Error("store failure", "error", err)
	writeJSONError(w, http.StatusInternalServerError, "internal server error")
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID uint64, eventName string, payload []byte) error {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", eventID, eventName, compact.Bytes())
	return err
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errJSONBodyTooLarge
		}
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
