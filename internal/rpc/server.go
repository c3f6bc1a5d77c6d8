package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/mattjoyce/spica/internal/lifecycle"
	"github.com/mattjoyce/spica/internal/recipe"
	"github.com/mattjoyce/spica/internal/registry"
)

// Config holds per-instance RPC server configuration.
type Config struct {
	SocketPath  string
	SpicaID     string
	InstanceDir string
}

// Server exposes lifecycle control for one instance over a unix socket.
// The accept loop runs on its own goroutine and each connection is handled
// on a dedicated goroutine, so multiple RPCs can be in flight concurrently.
// Differentiate and reprogram are serialized by an internal mutex; one
// mutation runs at a time per instance.
type Server struct {
	cfg     Config
	machine *lifecycle.Machine
	reg     *registry.Registry
	logger  *slog.Logger

	mu     sync.Mutex
	active *recipe.Recipe

	ln net.Listener
	wg sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New creates an RPC server for one instance.
func New(cfg Config, machine *lifecycle.Machine, reg *registry.Registry, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		machine: machine,
		reg:     reg,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start listens on the configured unix socket and serves until ctx is
// cancelled (blocking). A stale socket file from a previous run is removed
// before binding; the new socket is restricted to the owning user.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.ln = ln

	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.logger.Info("rpc server listening", "socket", s.cfg.SocketPath, "spica_id", s.cfg.SpicaID)

	errCh := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				errCh <- err
				return
			}
			s.trackConn(conn)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(ctx, conn)
			}()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("rpc server shutting down")
		ln.Close()
		// Handlers park in Decode waiting for the next request; closing
		// their connections is what unblocks them.
		s.closeConns()
		s.wg.Wait()
		_ = os.Remove(s.cfg.SocketPath)
		return ctx.Err()
	case err := <-errCh:
		s.wg.Wait()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("accept failed: %w", err)
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) dropConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// handleConn services one connection. Requests are newline-delimited JSON;
// the connection stays open across well-formed requests and is closed after
// a protocol-level error response.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.dropConn(conn)
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			_ = enc.Encode(newError(nil, CodeParseError, fmt.Sprintf("parse error: %v", err)))
			return
		}

		resp := s.dispatch(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("failed to write response", "error", err)
			return
		}
		if resp.Err != nil && (resp.Err.Code == CodeParseError || resp.Err.Code == CodeInvalidRequest) {
			return
		}
	}
}

// dispatch validates the envelope and routes to a method handler. Handler
// panics are caught and surfaced as internal errors so a bad request can
// never take the server down.
func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "panic", fmt.Sprint(r))
			resp = newError(req.ID, CodeInternalError, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if req.JSONRPC == nil || *req.JSONRPC != Version {
		return newError(req.ID, CodeInvalidRequest, `invalid request: "jsonrpc" must be "2.0"`)
	}

	var method string
	if err := json.Unmarshal(req.Method, &method); err != nil || method == "" {
		return newError(req.ID, CodeInvalidRequest, "invalid request: method must be a non-empty string")
	}

	if !paramsWellFormed(req.Params) {
		return newError(req.ID, CodeInvalidRequest, "invalid request: params must be an object or array")
	}

	switch method {
	case "differentiate":
		return s.handleDifferentiate(ctx, req)
	case "query_state":
		return s.handleQueryState(req)
	case "reprogram":
		return s.handleReprogram(req)
	case "heartbeat":
		return s.handleHeartbeat(req)
	default:
		return newError(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %q", method))
	}
}

// paramsWellFormed accepts absent, null, object, or array params.
func paramsWellFormed(params json.RawMessage) bool {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}

func (s *Server) handleDifferentiate(ctx context.Context, req *Request) *Response {
	path, ok := decodeRecipePath(req.Params)
	if !ok {
		return newError(req.ID, CodeInvalidParams, "invalid params: recipe_path (string) is required")
	}

	res := s.differentiate(ctx, path)
	resp, err := newResult(req.ID, res)
	if err != nil {
		return newError(req.ID, CodeInternalError, err.Error())
	}
	return resp
}

// decodeRecipePath accepts either {"recipe_path": "..."} or ["..."].
func decodeRecipePath(params json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 {
		return "", false
	}
	if trimmed[0] == '{' {
		var p DifferentiateParams
		if err := json.Unmarshal(trimmed, &p); err != nil || p.RecipePath == "" {
			return "", false
		}
		return p.RecipePath, true
	}
	var list []string
	if err := json.Unmarshal(trimmed, &list); err != nil || len(list) != 1 || list[0] == "" {
		return "", false
	}
	return list[0], true
}

// differentiate walks the instance PRIMED -> DIFFERENTIATING -> SPECIALIZED
// -> INTEGRATED, registering the capability along the way. A failure at any
// step stops the sequence and reports it; transitions already recorded stand.
func (s *Server) differentiate(ctx context.Context, recipePath string) DifferentiateResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(err error) DifferentiateResult {
		s.logger.Warn("differentiation failed", "recipe_path", recipePath, "error", err)
		return DifferentiateResult{
			Success: false,
			Error:   err.Error(),
			State:   string(s.machine.Current()),
		}
	}

	if err := s.machine.TransitionTo(lifecycle.StatePrimed, map[string]any{"recipe_path": recipePath}); err != nil {
		return fail(err)
	}

	rec, err := recipe.Load(recipePath)
	if err != nil {
		return fail(err)
	}

	if err := s.machine.TransitionTo(lifecycle.StateDifferentiating, map[string]any{"recipe": rec.Metadata.Name}); err != nil {
		return fail(err)
	}

	stage, err := recipe.StageFor(rec.Spec.Pipeline.Stage)
	if err != nil {
		return fail(err)
	}
	if err := stage.Apply(ctx, s.cfg.InstanceDir, rec); err != nil {
		return fail(fmt.Errorf("pipeline stage %s failed: %w", stage.Name(), err))
	}

	if err := s.machine.TransitionTo(lifecycle.StateSpecialized, map[string]any{"stage": stage.Name()}); err != nil {
		return fail(err)
	}

	entry := registry.Entry{
		Provider: s.cfg.SpicaID,
		State:    string(lifecycle.StateSpecialized),
		Socket:   s.cfg.SocketPath,
		Version:  rec.Metadata.Version,
	}
	if err := s.reg.Register(rec.Spec.TargetCapability, rec.Spec.Specialization, entry); err != nil {
		return fail(fmt.Errorf("capability registration failed: %w", err))
	}

	if err := s.machine.TransitionTo(lifecycle.StateIntegrated, map[string]any{
		"capability":     rec.Spec.TargetCapability,
		"specialization": rec.Spec.Specialization,
	}); err != nil {
		return fail(err)
	}
	if err := s.reg.UpdateState(s.cfg.SpicaID, string(lifecycle.StateIntegrated)); err != nil {
		return fail(fmt.Errorf("registry state update failed: %w", err))
	}

	s.active = rec
	s.logger.Info("differentiation complete",
		"recipe", rec.Metadata.Name,
		"capability", rec.Spec.TargetCapability,
		"specialization", rec.Spec.Specialization)

	return DifferentiateResult{
		Success:        true,
		State:          string(lifecycle.StateIntegrated),
		Recipe:         rec.Metadata.Name,
		Capability:     rec.Spec.TargetCapability,
		Specialization: rec.Spec.Specialization,
	}
}

func (s *Server) handleQueryState(req *Request) *Response {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	res := StateResult{
		SpicaID:     s.cfg.SpicaID,
		State:       string(s.machine.Current()),
		Transitions: len(s.machine.History()),
	}
	if active != nil {
		res.Recipe = active.Metadata.Name
		res.Capability = active.Spec.TargetCapability
		res.Specialization = active.Spec.Specialization
	}

	resp, err := newResult(req.ID, res)
	if err != nil {
		return newError(req.ID, CodeInternalError, err.Error())
	}
	return resp
}

func (s *Server) handleReprogram(req *Request) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Reprogram(nil); err != nil {
		return newError(req.ID, CodeDomainError, err.Error())
	}

	s.active = nil
	if err := s.reg.Deregister(s.cfg.SpicaID); err != nil {
		var notFound *registry.ProviderNotFoundError
		if !errors.As(err, &notFound) {
			return newError(req.ID, CodeDomainError, fmt.Sprintf("deregistration failed: %v", err))
		}
		s.logger.Warn("reprogram found no registry entry to remove", "spica_id", s.cfg.SpicaID)
	}

	s.logger.Info("instance reprogrammed", "spica_id", s.cfg.SpicaID)

	resp, err := newResult(req.ID, ReprogramResult{Success: true, State: string(lifecycle.StatePluripotent)})
	if err != nil {
		return newError(req.ID, CodeInternalError, err.Error())
	}
	return resp
}

func (s *Server) handleHeartbeat(req *Request) *Response {
	if err := s.reg.Heartbeat(s.cfg.SpicaID); err != nil {
		return newError(req.ID, CodeDomainError, err.Error())
	}
	resp, err := newResult(req.ID, HeartbeatResult{OK: true})
	if err != nil {
		return newError(req.ID, CodeInternalError, err.Error())
	}
	return resp
}
