package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	"github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// maxBodyBytes bounds a push request.
const maxBodyBytes = 32 << 20

// Repo is what a server exposes. *sync.Master and *sync.Mirror satisfy it;
// only repos that are also a sync.PushTarget accept pushes.
type Repo interface {
	ID() schema.RepoPk
	Read(ctx context.Context, fn func(ctx context.Context) error) error
	Write(ctx context.Context, fn func(ctx context.Context) error) error
	Page(ctx context.Context, start int64, order sync.Order, limit int) (sync.Page, error)
	Stats(ctx context.Context) (sync.Stats, error)
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":7480")
	Addr string

	// Secret signs bearer tokens. Empty disables authentication.
	Secret string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":7480",
		Logger: log.New(os.Stderr, "[transport] ", log.LstdFlags),
	}
}

// Server serves one repo over HTTP.
type Server struct {
	repo     Repo
	config   *Config
	logger   *log.Logger
	listener net.Listener
	server   *http.Server
}

// NewServer returns a server for repo.
func NewServer(repo Repo, config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Server{repo: repo, config: config, logger: config.Logger}
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.protocolMiddleware, s.authMiddleware)
	v1.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	v1.HandleFunc("/page", s.handlePage).Methods(http.MethodGet)
	v1.HandleFunc("/push", s.handlePush).Methods(http.MethodPost)
	return r
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		s.logger.Printf("Serving %s on %s", s.repo.ID(), ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Printf("Stopped serving %s", s.repo.ID())
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

type callerKey struct{}

// caller returns the authenticated repo id, or "anonymous".
func caller(ctx context.Context) string {
	if id, ok := ctx.Value(callerKey{}).(schema.RepoPk); ok {
		return string(id)
	}
	return "anonymous"
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			var ce *sync.ContractError
			if err, ok := rec.(error); ok && errors.As(err, &ce) {
				s.logger.Printf("Contract violation serving %s %s: %v", r.Method, r.URL.Path, ce)
				s.writeError(w, codeContract, ce.Error())
				return
			}
			s.logger.Printf("Panic serving %s %s: %v", r.Method, r.URL.Path, rec)
			s.writeError(w, codeInternal, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) protocolMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.Header.Get(headerProtocol); v != "" && !compatible(v) {
			s.writeError(w, codeBadRequest,
				fmt.Sprintf("%v: client %s, server %s", ErrIncompatibleProtocol, v, ProtocolVersion))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.writeError(w, codeAuth, "missing bearer token")
			return
		}
		id, err := ValidateToken(token, s.config.Secret)
		if err != nil {
			s.writeError(w, codeAuth, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, id)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeMsgpack(w, http.StatusOK, map[string]string{"status": "ok", "repo": string(s.repo.ID())})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var st sync.Stats
	err := s.repo.Read(r.Context(), func(ctx context.Context) error {
		var err error
		st, err = s.repo.Stats(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, codeInternal, err.Error())
		return
	}
	_, canPush := s.repo.(sync.PushTarget)
	s.writeMsgpack(w, http.StatusOK, Info{
		Repo:     s.repo.ID(),
		Role:     st.Role,
		Protocol: ProtocolVersion,
		Push:     canPush,
	})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseInt(q.Get("start"), 0)
	if err != nil {
		s.writeError(w, codeBadRequest, "invalid start: "+err.Error())
		return
	}
	limit, err := parseInt(q.Get("limit"), 0)
	if err != nil || limit < 0 {
		s.writeError(w, codeBadRequest, "invalid limit")
		return
	}
	order := sync.Asc
	switch q.Get("order") {
	case "", "asc":
	case "desc":
		order = sync.Desc
	default:
		s.writeError(w, codeBadRequest, "order must be asc or desc")
		return
	}

	var page sync.Page
	err = s.repo.Read(r.Context(), func(ctx context.Context) error {
		var err error
		page, err = s.repo.Page(ctx, start, order, int(limit))
		return err
	})
	if errors.Is(err, sync.ErrResyncInProgress) {
		s.writeError(w, codeResyncing, err.Error())
		return
	}
	if err != nil {
		s.logger.Printf("Page for %s failed: %v", caller(r.Context()), err)
		s.writeError(w, codeInternal, err.Error())
		return
	}
	s.writeMsgpack(w, http.StatusOK, page)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	target, ok := s.repo.(sync.PushTarget)
	if !ok {
		s.writeError(w, codeUnsupported, fmt.Sprintf("%s does not accept pushes", s.repo.ID()))
		return
	}

	var req pushRequest
	if err := msgpack.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, codeBadRequest, "invalid push body: "+err.Error())
		return
	}
	for _, item := range req.Items {
		if err := item.Validate(); err != nil {
			s.writeError(w, codeBadRequest, fmt.Sprintf("item %s: %v", item.Address, err))
			return
		}
	}

	err := s.repo.Write(r.Context(), func(ctx context.Context) error {
		return target.Push(ctx, req.Items)
	})
	if err != nil {
		s.logger.Printf("Push from %s failed: %v", caller(r.Context()), err)
		s.writeError(w, codeInternal, err.Error())
		return
	}
	s.logger.Printf("Accepted %d items from %s", len(req.Items), caller(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeMsgpack(w http.ResponseWriter, status int, v any) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		s.logger.Printf("Failed to encode response: %v", err)
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(headerProtocol, ProtocolVersion)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, code, msg string) {
	s.writeMsgpack(w, statusFor(code), errorResponse{Error: msg, Code: code})
}

func parseInt(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
