// Package stdio serves a tool router over newline-delimited JSON-RPC 2.0,
// one message per line, on a reader/writer pair.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_router/internal/server"
)

const maxLineBytes = 4 * 1024 * 1024

var errNotRunning = errors.New("stdio transport is not running")

// Options configures a Server.
type Options struct {
	Name    string
	Version string
	Logger  *zap.Logger
}

// Server is a server.ServerLike over stdin/stdout. A process serves a
// single client, so the whole connection is one session.
type Server struct {
	name      string
	version   string
	sessionID string
	logger    *zap.Logger

	mu       sync.RWMutex
	handlers map[string]server.RequestHandler

	initialized atomic.Bool

	writeMu sync.Mutex
	enc     *json.Encoder

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
}

// New creates a Server with a fresh session id.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "tool-router"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		name:      opts.Name,
		version:   opts.Version,
		sessionID: uuid.NewString(),
		logger:    opts.Logger,
		handlers:  make(map[string]server.RequestHandler),
		inflight:  make(map[string]context.CancelFunc),
	}
}

// SetRequestHandler implements server.ServerLike. Registering a method
// again replaces its handler.
func (s *Server) SetRequestHandler(method string, h server.RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// SessionID is the id every request of this connection carries.
func (s *Server) SessionID() string { return s.sessionID }

// Serve runs on the process's stdin and stdout.
func (s *Server) Serve(ctx context.Context) error {
	return s.Run(ctx, os.Stdin, os.Stdout)
}

// Run reads requests from in until EOF or ctx is done. Requests are served
// concurrently so a long call can be cancelled or report progress while
// others proceed; responses are written whole, one per line. Run returns
// after every in-flight request has answered.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.writeMu.Lock()
	s.enc = json.NewEncoder(out)
	s.enc.SetEscapeHTML(false)
	s.writeMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("stdio transport started", zap.String("session_id", s.sessionID))
	defer s.logger.Info("stdio transport stopped", zap.String("session_id", s.sessionID))

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			s.handleLine(ctx, &wg, line)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, wg *sync.WaitGroup, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Debug("unparseable message", zap.Error(err))
		s.writeError(json.RawMessage("null"), codeParseError, "parse error: "+err.Error())
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !req.isNotification() {
			s.writeError(req.ID, codeInvalidRequest, "invalid JSON-RPC 2.0 request")
		}
		return
	}
	if req.isNotification() {
		s.handleNotification(&req)
		return
	}

	switch req.Method {
	case methodInitialize:
		s.handleInitialize(&req)
		return
	case methodPing:
		s.writeResult(req.ID, map[string]any{})
		return
	}

	if !s.initialized.Load() {
		s.writeError(req.ID, codeInvalidRequest, "server not initialized (call initialize first)")
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(req.ID, codeMethodNotFound, "unknown method: "+req.Method)
		return
	}

	key := string(req.ID)
	reqCtx, cancel := context.WithCancel(ctx)
	s.inflightMu.Lock()
	s.inflight[key] = cancel
	s.inflightMu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, key)
			s.inflightMu.Unlock()
			cancel()
		}()
		s.serve(reqCtx, h, &req)
	}()
}

func (s *Server) serve(ctx context.Context, h server.RequestHandler, req *request) {
	meta := server.RequestMetadata{
		ProgressToken: progressToken(req.Params),
		Notify:        s.notify,
		SessionID:     s.sessionID,
	}

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		result, err = h(ctx, req.Params, meta)
	}()

	if err != nil {
		code := codeInternalError
		if errors.Is(err, server.ErrInvalidParams) {
			code = codeInvalidParams
		}
		s.logger.Debug("request failed",
			zap.String("method", req.Method),
			zap.Error(err),
		)
		s.writeError(req.ID, code, err.Error())
		return
	}
	s.writeResult(req.ID, result)
}

func (s *Server) handleInitialize(req *request) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(req.ID, codeInvalidParams, "invalid initialize params: "+err.Error())
			return
		}
	}
	s.initialized.Store(true)
	s.logger.Info("client initialized",
		zap.String("client", params.ClientInfo.Name),
		zap.String("client_version", params.ClientInfo.Version),
		zap.String("protocol_version", params.ProtocolVersion),
	)

	caps := serverCapabilities{Tools: &listCapability{ListChanged: true}}
	s.mu.RLock()
	if _, ok := s.handlers[server.MethodPromptsList]; ok {
		caps.Prompts = &listCapability{}
	}
	s.mu.RUnlock()

	s.writeResult(req.ID, initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleNotification(req *request) {
	switch req.Method {
	case notifyInitialized:
		s.initialized.Store(true)
	case notifyCancelled:
		var p cancelledParams
		if err := json.Unmarshal(req.Params, &p); err != nil || len(p.RequestID) == 0 {
			return
		}
		s.inflightMu.Lock()
		cancel, ok := s.inflight[string(p.RequestID)]
		s.inflightMu.Unlock()
		if ok {
			s.logger.Debug("request cancelled by client",
				zap.String("request_id", string(p.RequestID)),
				zap.String("reason", p.Reason),
			)
			cancel()
		}
	}
}

// notify is handed to handlers as RequestMetadata.Notify.
func (s *Server) notify(method string, params map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.enc == nil {
		return errNotRunning
	}
	return s.enc.Encode(notification{JSONRPC: "2.0", Method: method, Params: params})
}

// Notify sends an unsolicited notification to the client.
func (s *Server) Notify(method string, params map[string]any) error {
	return s.notify(method, params)
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.write(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, message string) {
	s.write(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) write(resp response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.enc.Encode(resp); err != nil {
		s.logger.Warn("writing response failed", zap.Error(err))
	}
}

func progressToken(params json.RawMessage) any {
	if len(params) == 0 {
		return nil
	}
	var p struct {
		Meta struct {
			ProgressToken any `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return p.Meta.ProgressToken
}
