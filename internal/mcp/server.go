package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ampcome-mcps/bluesky-mcp/internal/logutil"
	"github.com/ampcome-mcps/bluesky-mcp/internal/social"
)

// Server exposes the social actions as MCP tools.
type Server struct {
	session  *social.Session
	composer *social.Composer
	actions  *social.Actions

	name    string
	version string

	tools       []*tool
	toolsByName map[string]*tool
	initialized bool

	writeMu sync.Mutex
}

// ServerOption configures optional server behavior.
type ServerOption func(*Server)

// WithVersion sets the version reported in serverInfo.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// NewServer returns a server whose tools call into session, composer and actions.
func NewServer(session *social.Session, composer *social.Composer, actions *social.Actions, options ...ServerOption) *Server {
	s := &Server{
		session:  session,
		composer: composer,
		actions:  actions,
		name:     "bluesky-mcp",
		version:  "dev",
	}
	for _, option := range options {
		option(s)
	}

	s.tools = s.buildTools()
	s.toolsByName = make(map[string]*tool, len(s.tools))
	for _, t := range s.tools {
		s.toolsByName[t.name] = t
	}
	return s
}

// Run processes requests from input and writes responses to output until
// input reaches EOF or ctx is done. Each message occupies a single line.
// tools/call requests run concurrently; Run waits for them before returning.
// A cancelled ctx returns ctx.Err() even while input is still open.
func (s *Server) Run(ctx context.Context, input io.Reader, output io.Writer) error {
	encoder := json.NewEncoder(output)
	var wg sync.WaitGroup
	defer wg.Wait()

	lines, scanErr := scanLines(ctx, input)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if err := s.handleLine(ctx, encoder, &wg, line); err != nil {
				return err
			}
		}
	}
}

// scanLines reads input on its own goroutine so that Run can observe ctx
// while a read is blocked. The error channel receives exactly one value
// once lines is closed.
func scanLines(ctx context.Context, input io.Reader) (<-chan []byte, <-chan error) {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			scanErr <- err
			close(lines)
		}()

		scanner := bufio.NewScanner(input)
		// Image payloads arrive base64 encoded inside a single line.
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
		err = scanner.Err()
	}()
	return lines, scanErr
}

func (s *Server) handleLine(ctx context.Context, encoder *json.Encoder, wg *sync.WaitGroup, line []byte) error {
	if len(line) == 0 {
		return nil
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		if writeErr := s.writeError(encoder, json.RawMessage("null"), codeParseError, "parse error: "+err.Error()); writeErr != nil {
			return fmt.Errorf("writing parse error response: %w", writeErr)
		}
		return nil
	}

	if req.JSONRPC != "2.0" {
		if !req.isNotification() {
			if writeErr := s.writeError(encoder, req.ID, codeInvalidRequest, "unsupported JSON-RPC version"); writeErr != nil {
				return fmt.Errorf("writing version error response: %w", writeErr)
			}
		}
		return nil
	}

	if req.isNotification() {
		return nil
	}

	if req.Method == "tools/call" && s.initialized {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.handleToolsCall(ctx, encoder, &req); err != nil {
				logutil.Errorf("writing tools/call response: %v", err)
			}
		}()
		return nil
	}

	return s.dispatch(encoder, &req)
}

func (s *Server) dispatch(encoder *json.Encoder, req *request) error {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(encoder, req)
	case "ping":
		return s.writeResult(encoder, req.ID, map[string]any{})
	case "tools/list", "tools/call":
		if !s.initialized {
			return s.writeError(encoder, req.ID, codeInvalidRequest, "server not initialized (call initialize first)")
		}
		return s.handleToolsList(encoder, req)
	default:
		return s.writeError(encoder, req.ID, codeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Server) handleInitialize(encoder *json.Encoder, req *request) error {
	if len(req.Params) == 0 {
		return s.writeError(encoder, req.ID, codeInvalidParams, "params required for initialize")
	}

	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.writeError(encoder, req.ID, codeInvalidParams, "invalid initialize params: "+err.Error())
	}
	logutil.Debugf("initialize: client=%s version=%s protocol=%s", params.ClientInfo.Name, params.ClientInfo.Version, params.ProtocolVersion)

	s.initialized = true

	return s.writeResult(encoder, req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: serverCapabilities{
			Tools: &toolCapability{},
		},
		ServerInfo: serverInfo{
			Name:    s.name,
			Version: s.version,
		},
	})
}

func (s *Server) handleToolsList(encoder *json.Encoder, req *request) error {
	descriptions := make([]toolDescription, 0, len(s.tools))
	for _, t := range s.tools {
		descriptions = append(descriptions, toolDescription{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.inputSchema,
			Annotations: t.annotations,
		})
	}
	return s.writeResult(encoder, req.ID, toolsListResult{Tools: descriptions})
}

func (s *Server) handleToolsCall(ctx context.Context, encoder *json.Encoder, req *request) error {
	if len(req.Params) == 0 {
		return s.writeError(encoder, req.ID, codeInvalidParams, "params required for tools/call")
	}

	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.writeError(encoder, req.ID, codeInvalidParams, "invalid tools/call params: "+err.Error())
	}

	t, ok := s.toolsByName[params.Name]
	if !ok {
		return s.writeError(encoder, req.ID, codeInvalidParams, "unknown tool: "+params.Name)
	}

	return s.writeResult(encoder, req.ID, s.callTool(ctx, t, params.Arguments))
}

// callTool validates arguments, runs the tool and converts the outcome into
// a result. A panicking tool is reported as an internal error.
func (s *Server) callTool(ctx context.Context, t *tool, arguments json.RawMessage) (result toolsCallResult) {
	defer func() {
		if r := recover(); r != nil {
			logutil.Errorf("tool %s panicked: %v", t.name, r)
			result = t.failure(fmt.Errorf("internal error: %v", r))
		}
	}()

	if err := t.validate(arguments); err != nil {
		logutil.Debugf("tool %s rejected arguments: %v", t.name, err)
		return t.failure(err)
	}

	text, err := t.run(ctx, arguments)
	if err != nil {
		logutil.Errorf("%s: %v", t.failurePrefix, err)
		return t.failure(err)
	}
	return toolsCallResult{Content: []contentBlock{{Type: "text", Text: text}}}
}

// classifyError maps an error onto an errorInfo category.
func classifyError(err error) *errorInfo {
	var (
		verr social.ValidationError
		cerr social.ConfigurationError
		aerr social.AuthenticationError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &cerr):
		return &errorInfo{Category: "validation", Retryable: false}
	case errors.As(err, &aerr):
		return &errorInfo{Category: "forbidden", Retryable: false}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &errorInfo{Category: "transient", Retryable: true}
	default:
		return &errorInfo{Category: "internal", Retryable: false}
	}
}

func boolPtr(value bool) *bool {
	return &value
}

func (s *Server) writeResult(encoder *json.Encoder, id json.RawMessage, result any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return encoder.Encode(response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) writeError(encoder *json.Encoder, id json.RawMessage, code int, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return encoder.Encode(response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}
