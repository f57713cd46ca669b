package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Server is the JSON-RPC HTTP server fronting the handler.
type Server struct {
	httpServer *http.Server
	handler    *Handler
	listenAddr string
	logger     log.Logger
}

// NewServer creates a server.
func NewServer(listenAddr string, handler *Handler) *Server {
	return &Server{
		handler:    handler,
		listenAddr: listenAddr,
		logger:     log.New("module", "rpc"),
	}
}

// Start begins listening for JSON-RPC requests. It blocks until the server
// fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHTTP)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("JSON-RPC server starting", "addr", s.listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req JSONRPCRequest
	resp := new(JSONRPCResponse)
	if err := json.Unmarshal(body, &req); err != nil {
		resp = errorResponse(nil, codeInvalidRequest, "invalid JSON-RPC request")
	} else {
		resp = s.handler.Handle(r.Context(), &req)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to write RPC response", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok","service":"bundler"}`))
}
