package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/babel/internal/backend"
)

// Server exposes a backend.Engine to babel over the framed protocol.
type Server struct {
	engine backend.Engine
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewServer creates a server for engine.
func NewServer(engine backend.Engine, logger *slog.Logger) *Server {
	return &Server{engine: engine, logger: logger}
}

// Serve accepts connections until ctx is cancelled or the listener fails. It
// waits for in-flight requests before returning.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Go(func() {
			s.handleConnection(ctx, c)
		})
	}
}

// handleConnection serves a single request on c.
func (s *Server) handleConnection(ctx context.Context, c net.Conn) {
	defer c.Close()

	var req Request
	if err := ReadMessage(c, &req); err != nil {
		s.logger.Warn("read request", "remote", c.RemoteAddr(), "error", err)
		s.send(c, Response{Code: CodeInvalid, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		code := CodeInternal
		if errors.Is(err, backend.ErrEngineNotFound) {
			code = CodeNotFound
		}
		s.logger.Debug("request failed", "method", req.Method, "error", err)
		s.send(c, Response{Code: code, Error: err.Error()})
		return
	}

	resp := Response{}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			s.send(c, Response{Code: CodeInternal, Error: fmt.Sprintf("marshal result: %v", err)})
			return
		}
		resp.Result = raw
	}
	s.send(c, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case MethodCreate, MethodUpdate:
		var cfg backend.EngineConfig
		if err := json.Unmarshal(req.Params, &cfg); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		if req.Method == MethodCreate {
			return nil, s.engine.Create(ctx, cfg)
		}
		return nil, s.engine.Update(ctx, cfg)
	case MethodDelete:
		var p DeleteParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return nil, s.engine.Delete(ctx, p.EngineID)
	case MethodStartBuild:
		var spec backend.BuildSpec
		if err := json.Unmarshal(req.Params, &spec); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return nil, s.engine.StartBuild(ctx, spec)
	case MethodCancelBuild:
		var p CancelParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return nil, s.engine.CancelBuild(ctx, p.EngineID, p.BuildID)
	case MethodTranslate:
		var tr backend.TranslateRequest
		if err := json.Unmarshal(req.Params, &tr); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		res, err := s.engine.Translate(ctx, tr)
		if err != nil {
			return nil, err
		}
		return res, nil
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func (s *Server) send(c net.Conn, resp Response) {
	if err := WriteMessage(c, &resp); err != nil {
		s.logger.Warn("write response", "remote", c.RemoteAddr(), "error", err)
	}
}
