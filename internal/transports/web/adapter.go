package web

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"simcmd/internal/core"
	"simcmd/internal/storage"
	"simcmd/internal/transports/common"
)

type contextKey string

const (
	ctxRequestID  contextKey = "request_id"
	ctxExecuteReq contextKey = "execute_req"
)

// Config определяет параметры HTTP/WebSocket-транспорта.
type Config struct {
	ListenAddr         string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	RequestTimeout     time.Duration
	MaxRequestBody     int64
	MaxMessage         int64
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
}

// StatsFunc возвращает снимок счетчиков сервера для /v1/stats.
type StatsFunc func() any

// Adapter реализует web transport: /ws для протокола команд и HTTP API поверх net/http.
type Adapter struct {
	svc      *common.Service
	httpSvc  *common.Service
	registry *core.Registry
	audit    storage.AuditReader
	stats    StatsFunc
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	corsOrigins map[string]struct{}
	nextExecID  atomic.Uint32

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

type executeRequest struct {
	Payload string `json:"payload"`
}

// NewAdapter создает web transport. audit и stats могут быть nil.
func NewAdapter(svc *common.Service, registry *core.Registry, audit storage.AuditReader, stats StatsFunc, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:9001"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = 1 << 20
	}
	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = 1 << 24
	}
	if len(cfg.CORSAllowedMethods) == 0 {
		cfg.CORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.CORSAllowedHeaders) == 0 {
		cfg.CORSAllowedHeaders = []string{"Content-Type", "X-Request-ID"}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	corsOrigins := make(map[string]struct{}, len(cfg.CORSAllowedOrigins))
	for _, origin := range cfg.CORSAllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		corsOrigins[trimmed] = struct{}{}
	}

	// HTTP-запросы по умолчанию идут через тот же пайплайн под своим именем источника.
	httpSvc := *svc
	httpSvc.Source = "http"

	return &Adapter{
		svc:         svc,
		httpSvc:     &httpSvc,
		registry:    registry,
		audit:       audit,
		stats:       stats,
		cfg:         cfg,
		logger:      logger,
		corsOrigins: corsOrigins,
		// Origin уже проверен corsMiddleware.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// WithHTTPService задает пайплайн для POST /v1/commands/execute.
func (a *Adapter) WithHTTPService(svc *common.Service) *Adapter {
	if svc != nil {
		a.httpSvc = svc
	}
	return a
}

func (a *Adapter) Name() string { return "web" }

// Addr возвращает адрес слушателя; nil до Start.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Handler возвращает HTTP-обработчик со всеми маршрутами.
func (a *Adapter) Handler() http.Handler { return a.routes() }

// Start запускает HTTP server и останавливает его при отмене контекста.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.server != nil {
		a.mu.Unlock()
		return errors.New("web transport already started")
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.ListenAddr)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}
	// WriteTimeout не задается: он оборвал бы долгие WebSocket-сессии.
	srv := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: a.cfg.ReadTimeout,
	}
	a.server = srv
	a.addr = ln.Addr()
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("web transport stopped", "err", err)
		}
	}()
	a.logger.Info("web transport listening", "addr", ln.Addr().String())
	return nil
}

// Stop завершает HTTP server.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (a *Adapter) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /ws", http.HandlerFunc(a.handleWS))
	mux.Handle("GET /v1/health", http.HandlerFunc(a.handleHealth))
	mux.Handle("GET /v1/commands", chain(http.HandlerFunc(a.handleCommands), a.timeoutMiddleware()))
	mux.Handle("GET /v1/stats", chain(http.HandlerFunc(a.handleStats), a.timeoutMiddleware()))
	mux.Handle("GET /v1/audit", chain(http.HandlerFunc(a.handleAudit), a.timeoutMiddleware()))
	mux.Handle("POST /v1/commands/execute", chain(http.HandlerFunc(a.handleExecute),
		a.timeoutMiddleware(),
		a.maxBodyMiddleware(),
		a.decodeExecuteMiddleware(),
	))

	return chain(mux, a.requestIDMiddleware(), a.corsMiddleware())
}

func (a *Adapter) requestIDMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get("X-Request-ID"))
			if requestID == "" {
				requestID = newRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), ctxRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) corsMiddleware() middleware {
	allowMethods := strings.Join(a.cfg.CORSAllowedMethods, ", ")
	allowHeaders := strings.Join(a.cfg.CORSAllowedHeaders, ", ")

	isMethodAllowed := func(method string) bool {
		for _, m := range a.cfg.CORSAllowedMethods {
			if strings.EqualFold(strings.TrimSpace(m), method) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if _, ok := a.corsOrigins[origin]; !ok {
				writeError(w, r, http.StatusForbidden, "cors_denied")
				return
			}

			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)

			if r.Method == http.MethodOptions {
				preflightMethod := strings.TrimSpace(r.Header.Get("Access-Control-Request-Method"))
				if preflightMethod != "" && !isMethodAllowed(preflightMethod) {
					writeError(w, r, http.StatusForbidden, "cors_method_denied")
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) timeoutMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) maxBodyMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBody)
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) decodeExecuteMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, code, statusCode := decodeExecuteRequest(r)
			if code != "" {
				writeError(w, r, statusCode, code)
				return
			}
			ctx := context.WithValue(r.Context(), ctxExecuteReq, req)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func decodeExecuteRequest(r *http.Request) (executeRequest, string, int) {
	var req executeRequest
	data, err := io.ReadAll(r.Body)
	if err != nil {
		if isBodyTooLargeErr(err) {
			return executeRequest{}, "payload_too_large", http.StatusRequestEntityTooLarge
		}
		return executeRequest{}, "invalid_json", http.StatusBadRequest
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return executeRequest{}, "invalid_json", http.StatusBadRequest
	}
	if dec.More() {
		return executeRequest{}, "invalid_json", http.StatusBadRequest
	}
	if strings.TrimSpace(req.Payload) == "" {
		return executeRequest{}, "bad_command", http.StatusBadRequest
	}
	return req, "", 0
}

func isBodyTooLargeErr(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func sanitizeRequestID(v string) string {
	id := strings.TrimSpace(v)
	if id == "" || len(id) > 64 {
		return ""
	}
	for _, ch := range id {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			continue
		}
		switch ch {
		case '-', '_', '.', ':':
			continue
		default:
			return ""
		}
	}
	return id
}

// wsSink отправляет ответы в одно WebSocket-соединение.
type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (s *wsSink) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	peer := r.RemoteAddr
	defer func() {
		_ = conn.Close()
		a.svc.Disconnect(peer)
	}()
	conn.SetReadLimit(a.cfg.MaxMessage)

	sink := &wsSink{conn: conn, timeout: a.cfg.WriteTimeout}
	a.logger.Info("ws client connected", "peer", peer)
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			a.logger.Info("ws client disconnected", "peer", peer, "err", err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		_ = a.svc.HandleRaw(peer, string(payload), sink)
	}
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Adapter) handleCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id": requestIDFromContext(r.Context()),
		"modules":    a.registry.Modules(),
		"items":      a.registry.Help(),
	})
}

func (a *Adapter) handleStats(w http.ResponseWriter, r *http.Request) {
	if a.stats == nil {
		writeError(w, r, http.StatusServiceUnavailable, "stats_unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id": requestIDFromContext(r.Context()),
		"stats":      a.stats(),
	})
}

// replySink принимает единственный ответ для HTTP-запроса.
type replySink chan string

func (s replySink) Send(msg string) error {
	select {
	case s <- msg:
		return nil
	default:
		return errors.New("reply already delivered")
	}
}

func (a *Adapter) handleExecute(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromContext(r.Context())
	req, ok := r.Context().Value(ctxExecuteReq).(executeRequest)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "bad_command")
		return
	}

	id := a.nextExecID.Add(1) % 100000000
	raw := core.Encode(id, req.Payload)
	sink := make(replySink, 1)
	if err := a.httpSvc.HandleRaw(remoteHost(r.RemoteAddr), raw, sink); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, core.ErrMalformedMessage) {
			status = http.StatusBadRequest
		}
		writeJSON(w, r, status, map[string]any{
			"request_id": requestID,
			"status":     "error",
			"reply":      stripID(<-sink),
		})
		return
	}

	select {
	case reply := <-sink:
		reply = stripID(reply)
		status := "ok"
		if strings.HasPrefix(reply, "error: ") {
			status = "error"
		}
		writeJSON(w, r, http.StatusOK, map[string]any{
			"request_id": requestID,
			"status":     status,
			"reply":      reply,
		})
	case <-r.Context().Done():
		writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
	}
}

// remoteHost отбрасывает порт: у HTTP-клиента каждое соединение приходит с нового порта.
func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func stripID(reply string) string {
	if id, rest, ok := strings.Cut(reply, ":"); ok {
		if _, err := strconv.ParseUint(id, 10, 32); err == nil {
			return rest
		}
	}
	return reply
}

func (a *Adapter) handleAudit(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromContext(r.Context())
	if a.audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit_unavailable")
		return
	}

	q := storage.AuditQuery{
		Source: r.URL.Query().Get("source"),
		Peer:   r.URL.Query().Get("peer"),
		Status: r.URL.Query().Get("status"),
		Limit:  parseLimit(r.URL.Query().Get("limit")),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		ts, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_from")
			return
		}
		q.From = ts
	}
	if to := r.URL.Query().Get("to"); to != "" {
		ts, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_to")
			return
		}
		q.To = ts
	}

	events, err := a.audit.QueryAudit(r.Context(), q)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
			return
		}
		a.logger.Warn("audit query failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "query_failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id": requestID,
		"items":      events,
	})
}

func requestIDFromContext(ctx context.Context) string {
	v, ok := ctx.Value(ctxRequestID).(string)
	if !ok || v == "" {
		return newRequestID()
	}
	return v
}

func parseLimit(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 50
	}
	return n
}

func newRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code string) {
	writeJSON(w, r, statusCode, map[string]string{
		"request_id": requestIDFromContext(r.Context()),
		"error_code": code,
		"message":    errorMessage(code),
	})
}

func errorMessage(code string) string {
	switch code {
	case "payload_too_large":
		return "request payload is too large"
	case "request_timeout":
		return "request timeout"
	case "cors_denied", "cors_method_denied":
		return "cors policy denied request"
	case "stats_unavailable", "audit_unavailable":
		return "not configured"
	default:
		return code
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestIDFromContext(r.Context()))
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
