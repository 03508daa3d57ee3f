// Package rpctest implements an in-process JSON-RPC server that stands in
// for a CKB node in unit tests.
//
// CKB method names are mapped onto go-ethereum's "<service>_<method>" form,
// e.g. "get_tip_block_number" is method "tip_block_number" of service "get".
package rpctest

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"sync"

	ethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Error is a JSON-RPC error response.
type Error struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// ErrorCode returns the JSON-RPC error code.
func (e *Error) ErrorCode() int {
	return e.Code
}

// HandlerFunc handles a single method call. Returning an *Error produces an
// error response with that code.
type HandlerFunc func(params []json.RawMessage) (any, error)

// Server is a stub JSON-RPC endpoint.
type Server struct {
	sync.Mutex

	handlers map[string]HandlerFunc
	calls    map[string]int

	rpc *ethrpc.Server
	srv *httptest.Server
}

// Handle registers the handler of a method, replacing any previous one.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.Lock()
	defer s.Unlock()

	s.handlers[method] = fn
}

// Calls returns the number of times a method has been called.
func (s *Server) Calls(method string) int {
	s.Lock()
	defer s.Unlock()

	return s.calls[method]
}

// URL returns the endpoint of the server.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
	s.rpc.Stop()
}

func (s *Server) dispatch(method string, args ...*json.RawMessage) (any, error) {
	s.Lock()
	fn, ok := s.handlers[method]
	s.calls[method]++
	s.Unlock()

	if !ok {
		return nil, &Error{Code: -32601, Message: "method not found: " + method}
	}

	// Omitted trailing parameters arrive as nil.
	for len(args) > 0 && args[len(args)-1] == nil {
		args = args[:len(args)-1]
	}
	params := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			params = append(params, json.RawMessage("null"))
			continue
		}
		params = append(params, *arg)
	}
	return fn(params)
}

// nolint: revive,stylecheck
type getService struct{ s *Server }

func (g getService) Tip_block_number(a, b, c *json.RawMessage) (any, error) {
	return g.s.dispatch("get_tip_block_number", a, b, c)
}

func (g getService) Tip_header(a, b, c *json.RawMessage) (any, error) {
	return g.s.dispatch("get_tip_header", a, b, c)
}

func (g getService) Header_by_number(a, b, c *json.RawMessage) (any, error) {
	return g.s.dispatch("get_header_by_number", a, b, c)
}

func (g getService) Block_by_number(a, b, c *json.RawMessage) (any, error) {
	return g.s.dispatch("get_block_by_number", a, b, c)
}

func (g getService) Current_epoch(a, b, c *json.RawMessage) (any, error) {
	return g.s.dispatch("get_current_epoch", a, b, c)
}

func (g getService) Consensus(a, b, c *json.RawMessage) (any, error) {
	return g.s.dispatch("get_consensus", a, b, c)
}

func (g getService) Peers(a, b, c *json.RawMessage) (any, error) {
	return g.s.dispatch("get_peers", a, b, c)
}

func (g getService) Banned_addresses(a, b, c *json.RawMessage) (any, error) {
	return g.s.dispatch("get_banned_addresses", a, b, c)
}

func (g getService) Block_template(a, b, c *json.RawMessage) (any, error) {
	return g.s.dispatch("get_block_template", a, b, c)
}

// nolint: revive,stylecheck
type localService struct{ s *Server }

func (l localService) Node_info(a, b, c *json.RawMessage) (any, error) {
	return l.s.dispatch("local_node_info", a, b, c)
}

type addService struct{ s *Server }

func (a addService) Node(x, y, z *json.RawMessage) (any, error) {
	return a.s.dispatch("add_node", x, y, z)
}

type sendService struct{ s *Server }

func (s sendService) Transaction(a, b, c *json.RawMessage) (any, error) {
	return s.s.dispatch("send_transaction", a, b, c)
}

type submitService struct{ s *Server }

func (s submitService) Block(a, b, c *json.RawMessage) (any, error) {
	return s.s.dispatch("submit_block", a, b, c)
}

// NewServer starts a new stub server on a random local port.
func NewServer() *Server {
	s := newServer()
	s.srv = httptest.NewServer(s.rpc)
	return s
}

// NewServerWithListener starts a new stub server accepting connections on l.
func NewServerWithListener(l net.Listener) *Server {
	s := newServer()
	s.srv = httptest.NewUnstartedServer(s.rpc)
	_ = s.srv.Listener.Close()
	s.srv.Listener = l
	s.srv.Start()
	return s
}

func newServer() *Server {
	s := &Server{
		handlers: make(map[string]HandlerFunc),
		calls:    make(map[string]int),
		rpc:      ethrpc.NewServer(),
	}
	for name, svc := range map[string]any{
		"get":    getService{s},
		"local":  localService{s},
		"add":    addService{s},
		"send":   sendService{s},
		"submit": submitService{s},
	} {
		if err := s.rpc.RegisterName(name, svc); err != nil {
			panic("rpctest: failed to register service " + name + ": " + err.Error())
		}
	}
	return s
}

// Static returns a handler that always returns v.
func Static(v any) HandlerFunc {
	return func([]json.RawMessage) (any, error) {
		return v, nil
	}
}
