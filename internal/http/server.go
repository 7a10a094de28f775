package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"replidb/pkg/dberrors"
	"replidb/pkg/docstore"
	"replidb/pkg/metrics"
	"replidb/pkg/network"
	"replidb/pkg/network/httpnet"
	"replidb/pkg/oplog"
	"replidb/pkg/store"
	"replidb/pkg/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	maxBodySize            = 16 << 20
)

type iReplica interface {
	Name() string
	Put(ctx context.Context, doc any) (store.Result, error)
	Post(ctx context.Context, doc any) (store.Result, error)
	PostMany(ctx context.Context, docs []any) ([]store.Result, error)
	Patch(ctx context.Context, id string, patch []byte) (store.Result, error)
	Delete(ctx context.Context, doc any) (store.Result, error)
	Get(ctx context.Context, id string) (types.Document, error)
	All(ctx context.Context, opts ...store.AllOptions) ([]docstore.Row, error)
	Find(ctx context.Context, req docstore.FindRequest) ([]types.Document, error)
	Query(ctx context.Context, v docstore.View) ([]docstore.ViewRow, error)
	CreateIndex(ctx context.Context, field string) error
	ToFingerprint(ctx context.Context) (types.Fingerprint, error)
	Fingerprint() (types.Fingerprint, error)
	Join(ctx context.Context, other store.Source) error
}

// Server exposes one replica over HTTP and serves its blocks to peers.
type Server struct {
	replica iReplica
	blocks  network.Network
	peer    string
	metrics *metrics.Registry

	// replica mutations are not safe to run concurrently
	writeMu sync.Mutex

	httpServer        *http.Server
	readHeaderTimeout time.Duration
	URL               string
	addr              string
}

// NewServer creates a new server instance. blocks is the exchange the
// replica publishes its log into.
func NewServer(replica iReplica, blocks network.Network, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		replica:           replica,
		blocks:            blocks,
		metrics:           metrics.NewRegistry("replidb"),
		readHeaderTimeout: time.Second,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
	}
}

// WithPeer sets the replica joined by POST /_join when the request names none.
func (s *Server) WithPeer(peer string) *Server {
	s.peer = peer
	return s
}

func (s *Server) WithReadHeaderTimeout(d time.Duration) *Server {
	if d > 0 {
		s.readHeaderTimeout = d
	}
	return s
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/docs", func(r chi.Router) {
		r.Get("/", s.handleAll)
		r.Post("/", s.handlePost)
		r.Put("/{id}", s.handlePut)
		r.Get("/{id}", s.handleGet)
		r.Patch("/{id}", s.handlePatch)
		r.Delete("/{id}", s.handleDelete)
	})

	r.Post("/_find", s.handleFind)
	r.Post("/_query", s.handleQuery)
	r.Post("/_index", s.handleIndex)

	r.Get("/_fingerprint", s.handleFingerprint)
	r.Post("/_fingerprint", s.handleToFingerprint)
	r.Post("/_join", s.handleJoin)

	if s.blocks != nil {
		httpnet.Routes(r, s.blocks)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL, "store", s.replica.Name())
	return nil
}

// instrument counts requests per route pattern and status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.IncCounter("http_requests_total", map[string]string{
			"method": r.Method,
			"route":  route,
			"code":   strconv.Itoa(ww.Status()),
		}, 1)
		s.metrics.ObserveHistogram("http_request_duration_seconds", map[string]string{
			"route": route,
		}, time.Since(start).Seconds())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrNotFound), errors.Is(err, dberrors.ErrNoFingerprintYet):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrRevisionConflict):
		return http.StatusConflict
	case errors.Is(err, dberrors.ErrInvalidArgument),
		errors.Is(err, dberrors.ErrInvalidDocument),
		errors.Is(err, dberrors.ErrMissingIdentifier),
		errors.Is(err, dberrors.ErrMissingRevision),
		errors.Is(err, dberrors.ErrNotLoadable):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNetworkUnavailable), errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", dberrors.ErrInvalidArgument, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := decodeBody(r, &doc); err != nil {
		s.writeError(w, err)
		return
	}
	if doc == nil {
		s.writeError(w, fmt.Errorf("%w: body is not an object", dberrors.ErrInvalidDocument))
		return
	}
	doc[types.FieldID] = chi.URLParam(r, "id")

	s.writeMu.Lock()
	res, err := s.replica.Put(r.Context(), doc)
	s.writeMu.Unlock()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewValueResponse(res))
}

// handlePost accepts one document or an array of documents.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var body any
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if docs, ok := body.([]any); ok {
		results, err := s.replica.PostMany(r.Context(), docs)
		if err != nil {
			resp := NewErrorResponse(err.Error())
			resp.Value = results
			s.writeJSON(w, statusOf(err), resp)
			return
		}
		s.writeJSON(w, http.StatusCreated, NewValueResponse(results))
		return
	}

	res, err := s.replica.Post(r.Context(), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewValueResponse(res))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.replica.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(doc))
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	patch, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read body"))
		return
	}

	s.writeMu.Lock()
	res, err := s.replica.Patch(r.Context(), chi.URLParam(r, "id"), patch)
	s.writeMu.Unlock()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(res))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{types.FieldID: chi.URLParam(r, "id")}
	if rev := r.URL.Query().Get("rev"); rev != "" {
		doc[types.FieldRev] = rev
	}

	s.writeMu.Lock()
	res, err := s.replica.Delete(r.Context(), doc)
	s.writeMu.Unlock()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(res))
}

func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.AllOptions{
		IncludeDocs: q.Get("include_docs") != "false",
		StartKey:    q.Get("startkey"),
		EndKey:      q.Get("endkey"),
		Descending:  q.Get("descending") == "true",
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid limit"))
			return
		}
		opts.Limit = n
	}

	rows, err := s.replica.All(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(rows))
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	var req docstore.FindRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	docs, err := s.replica.Find(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if docs == nil {
		docs = []types.Document{}
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(docs))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var v docstore.View
	if err := decodeBody(r, &v); err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.replica.Query(r.Context(), v)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rows == nil {
		rows = []docstore.ViewRow{}
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(rows))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Field string `json:"field"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.replica.CreateIndex(r.Context(), body.Field); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleFingerprint returns the cached fingerprint without publishing.
func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	fp, err := s.replica.Fingerprint()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(fp)))
}

// handleToFingerprint publishes the log into the block exchange.
func (s *Server) handleToFingerprint(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	fp, err := s.replica.ToFingerprint(r.Context())
	s.writeMu.Unlock()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(fp)))
}

// handleJoin pulls the current log of a peer replica and merges it.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Peer string `json:"peer"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	peer := body.Peer
	if peer == "" {
		peer = s.peer
	}
	if peer == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing peer"))
		return
	}

	fp, err := s.JoinPeer(r.Context(), peer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(fp)))
}

// JoinPeer asks peer for the fingerprint of its log, resolves the log over
// the peer's block exchange and joins it into the replica. Fetched blocks
// stay in the local exchange.
func (s *Server) JoinPeer(ctx context.Context, peer string) (types.Fingerprint, error) {
	client := httpnet.NewClient(peer)
	fp, err := client.Head(ctx)
	if err != nil {
		return "", err
	}

	var remote network.Network = client
	if s.blocks != nil {
		remote = network.NewTiered(s.blocks, client)
	}
	resolved, err := oplog.FromFingerprint(ctx, remote, fp)
	if err != nil {
		return "", err
	}
	defer resolved.Close()

	s.writeMu.Lock()
	err = s.replica.Join(ctx, resolved)
	s.writeMu.Unlock()
	if err != nil {
		s.metrics.IncCounter("joins_total", map[string]string{"result": "error"}, 1)
		return "", err
	}
	s.metrics.IncCounter("joins_total", map[string]string{"result": "ok"}, 1)
	s.metrics.SetGauge("peer_log_entries", nil, float64(resolved.Len()))

	slog.Info("joined peer", "peer", peer, "fingerprint", fp, "entries", resolved.Len())
	return fp, nil
}

// Peer returns the configured default peer.
func (s *Server) Peer() string { return s.peer }
