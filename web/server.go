// Package web exposes registered actions over HTTP and WebSocket from a
// single listener, with static file serving beside them. Transport concerns
// live here: cookies, CORS, security headers, status mapping, rate-limit
// headers. Everything behavioral happens in the dispatcher.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keryx-io/keryx/core"
)

// maxMultipartMemory bounds the in-memory portion of multipart uploads;
// larger files spill to disk.
const maxMultipartMemory = 32 << 20

// ChannelSubscriber manages channel membership for long-lived connections.
// The pubsub package provides the production implementation; the server only
// needs subscribe and unsubscribe.
type ChannelSubscriber interface {
	Subscribe(ctx context.Context, conn *core.Connection, channel string) error
	Unsubscribe(ctx context.Context, conn *core.Connection, channel string) error
}

// ServerOptions collects the collaborators a Server needs. Channels and
// Telemetry may be nil.
type ServerOptions struct {
	Config      *core.Config
	Dispatcher  *core.Dispatcher
	Actions     *core.ActionRegistry
	Connections *core.ConnectionRegistry
	Channels    ChannelSubscriber
	Logger      core.Logger
	Telemetry   core.Telemetry
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	config      *core.Config
	dispatcher  *core.Dispatcher
	actions     *core.ActionRegistry
	connections *core.ConnectionRegistry
	channels    ChannelSubscriber
	logger      core.Logger
	telemetry   core.Telemetry

	static   *staticFiles
	upgrader websocket.Upgrader

	// baseCtx parents per-frame dispatch contexts for websocket
	// connections, which outlive the upgrade request.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewServer wires a server from its options. It does not listen yet.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Config == nil {
		return nil, core.NewTypedError(core.KindServerInitialization, "web server requires a config")
	}
	if opts.Dispatcher == nil || opts.Actions == nil || opts.Connections == nil {
		return nil, core.NewTypedError(core.KindServerInitialization,
			"web server requires a dispatcher, action registry and connection registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/web")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      opts.Config,
		dispatcher:  opts.Dispatcher,
		actions:     opts.Actions,
		connections: opts.Connections,
		channels:    opts.Channels,
		logger:      logger,
		telemetry:   opts.Telemetry,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}
	if opts.Config.Web.Static.Enabled {
		s.static = newStaticFiles(opts.Config.Web.Static, logger)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || containsWildcard(s.config.Web.AllowedOrigins) ||
				originAllowed(origin, s.config.Web.AllowedOrigins)
		},
	}
	return s, nil
}

// Handler returns the root handler: security headers, correlation echo, CORS,
// then upgrade/static/action routing. Wrapped with otelhttp when telemetry is
// enabled so every request carries a server span.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = http.HandlerFunc(s.route)
	if s.config.Telemetry.Enabled && s.telemetry != nil {
		handler = otelhttp.NewHandler(handler, "keryx.web")
	}
	return handler
}

// Start begins listening. It returns once the listener is bound; serving
// continues on a background goroutine until Stop.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Web.Host, strconv.Itoa(s.config.Web.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return core.WrapError(core.KindServerStart,
			fmt.Sprintf("cannot listen on %s", addr), err)
	}

	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Web.ReadTimeout,
		WriteTimeout: s.config.Web.WriteTimeout,
		IdleTimeout:  s.config.Web.IdleTimeout,
	}

	s.mu.Lock()
	s.listener = ln
	s.server = server
	s.mu.Unlock()

	s.logger.Info("Web server listening", map[string]interface{}{
		"address":   ln.Addr().String(),
		"api_route": s.config.Web.APIRoute,
		"static":    s.static != nil,
	})

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server terminated", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// Stop shuts the listener down, waits for in-flight requests within ctx, and
// severs websocket connections via the base context.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	s.cancelBase()

	// Shutdown does not touch hijacked connections; websocket clients are
	// told to go away through their destroy callbacks.
	s.connections.Each(func(conn *core.Connection) bool {
		if conn.Type == core.ConnectionWebSocket {
			conn.Destroy()
		}
		return true
	})

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return core.WrapError(core.KindServerStop, "web server shutdown failed", err)
	}
	return nil
}

// Addr returns the bound listen address, or "" before Start. Tests bind port
// 0 and read the real port back from here.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	applySecurityHeaders(w.Header(), s.config.ServerName)
	s.echoCorrelation(w, r)

	if websocket.IsWebSocketUpgrade(r) && s.isUpgradePath(r.URL.Path) {
		s.handleWebSocket(w, r)
		return
	}

	if r.Method == http.MethodOptions {
		writePreflight(w, r, s.config.Web.AllowedOrigins)
		return
	}
	applyCORS(w, r, s.config.Web.AllowedOrigins)

	if s.static != nil && (r.Method == http.MethodGet || r.Method == http.MethodHead) &&
		s.static.matches(r.URL.Path) {
		if s.static.serve(w, r) {
			return
		}
	}

	s.handleAction(w, r)
}

// handleAction runs one request-scoped dispatch: bind the connection to the
// session cookie, normalize parameters from route, body and query string,
// dispatch, serialize.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	conn := s.newConnection(r, core.ConnectionWeb)
	defer conn.Destroy()
	s.setSessionCookie(w, conn)

	actionPath, under := s.actionPath(r.URL.Path)
	if !under {
		s.writeError(w, core.NewTypedError(core.KindActionNotFound,
			fmt.Sprintf("unknown action or route: %s %s", r.Method, r.URL.Path)), 0)
		return
	}
	action, routeParams, ok := s.actions.MatchRoute(r.Method, actionPath)
	if !ok {
		s.writeError(w, core.NewTypedError(core.KindActionNotFound,
			fmt.Sprintf("unknown action or route: %s %s", r.Method, r.URL.Path)), 0)
		return
	}

	bodyParams, err := s.parseBody(r)
	if err != nil {
		s.writeError(w, core.WrapError(core.KindActionParamFormatting,
			"cannot parse request body", err), http.StatusBadRequest)
		return
	}
	params := core.MergeParamSources(routeParams, bodyParams, queryParams(r))

	response, dispatchErr := s.dispatcher.Act(r.Context(), conn, action.Name,
		params, r.Method, r.URL.RequestURI())

	s.writeRateLimitHeaders(w, conn)
	if dispatchErr != nil {
		s.writeError(w, dispatchErr, 0)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

// newConnection builds the per-request connection. Its id comes from the
// session cookie when present so identity is stable across requests.
func (s *Server) newConnection(r *http.Request, connType core.ConnectionType) *core.Connection {
	id := ""
	if c, err := r.Cookie(s.config.Session.CookieName); err == nil && c.Value != "" {
		id = c.Value
	}
	return core.NewConnection(connType, s.clientIP(r), id)
}

// setSessionCookie pins the connection id on the client. Emitted on every
// action response, success or failure, so the first request establishes
// identity.
func (s *Server) setSessionCookie(w http.ResponseWriter, conn *core.Connection) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.config.Session.CookieName,
		Value:    conn.ID,
		Path:     "/",
		MaxAge:   s.config.Session.TTL,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// actionPath strips the API route prefix. under is false for paths outside
// it, which end up as 404s.
func (s *Server) actionPath(requestPath string) (string, bool) {
	apiRoute := strings.TrimSuffix(s.config.Web.APIRoute, "/")
	if apiRoute == "" {
		return requestPath, true
	}
	if requestPath == apiRoute {
		return "/", true
	}
	if strings.HasPrefix(requestPath, apiRoute+"/") {
		return requestPath[len(apiRoute):], true
	}
	return "", false
}

func (s *Server) isUpgradePath(requestPath string) bool {
	apiRoute := strings.TrimSuffix(s.config.Web.APIRoute, "/")
	if apiRoute == "" {
		apiRoute = "/"
	}
	return requestPath == apiRoute || requestPath == apiRoute+"/"
}

// echoCorrelation reflects the configured correlation header back to the
// client when proxies are trusted. Never generates an id.
func (s *Server) echoCorrelation(w http.ResponseWriter, r *http.Request) {
	if !s.config.Web.CorrelationTrustProxy {
		return
	}
	header := s.config.Web.CorrelationHeader
	if header == "" {
		return
	}
	if v := r.Header.Get(header); v != "" {
		w.Header().Set(header, v)
	}
}

// clientIP extracts the peer address. Behind a trusted proxy the first
// X-Forwarded-For hop wins.
func (s *Server) clientIP(r *http.Request) string {
	if s.config.Web.CorrelationTrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseBody normalizes the request body into params. JSON objects pass
// through; multipart forms surface file fields as uploads and everything else
// as strings; urlencoded forms surface as strings.
func (s *Server) parseBody(r *http.Request) (core.ActionParams, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}

	ctype := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ctype, "multipart/form-data"):
		return parseMultipart(r)
	case strings.HasPrefix(ctype, "application/x-www-form-urlencoded"):
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return valuesToParams(r.PostForm), nil
	default:
		// JSON is the default body format.
		params := core.ActionParams{}
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&params); err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, err
		}
		return params, nil
	}
}

func parseMultipart(r *http.Request) (core.ActionParams, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, err
	}
	params := valuesToParams(r.MultipartForm.Value)
	for field, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		fh := headers[0]
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		params[field] = &core.UploadedFile{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        int64(len(data)),
			Data:        data,
		}
	}
	return params, nil
}

func queryParams(r *http.Request) core.ActionParams {
	return valuesToParams(r.URL.Query())
}

func valuesToParams(values map[string][]string) core.ActionParams {
	if len(values) == 0 {
		return nil
	}
	params := make(core.ActionParams, len(values))
	for key, vals := range values {
		switch len(vals) {
		case 0:
		case 1:
			params[key] = vals[0]
		default:
			list := make([]interface{}, len(vals))
			for i, v := range vals {
				list[i] = v
			}
			params[key] = list
		}
	}
	return params
}

// writeRateLimitHeaders surfaces the counters the rate limiter attached
// during dispatch.
func (s *Server) writeRateLimitHeaders(w http.ResponseWriter, conn *core.Connection) {
	info, ok := conn.RateLimit()
	if !ok {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt, 10))
}

// writeError serializes a typed error envelope. status overrides the kind's
// mapping when non-zero; the transport uses that for malformed requests,
// which are a 400 without a kind of their own.
func (s *Server) writeError(w http.ResponseWriter, err error, status int) {
	typed := core.EnsureTyped(err)
	if status == 0 {
		status = typed.HTTPStatus()
	}
	if typed.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(typed.RetryAfter))
	}
	s.writeJSON(w, status, map[string]interface{}{
		"error": typed.Envelope(s.config.Errors.IncludeStack),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	if body == nil {
		body = map[string]interface{}{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Response write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
