// Package ipc implements the broker's local method-call surface: BSON
// frames over a UNIX stream socket. One frame carries one method call
// ({method, args, kwargs}) or one reply ({result} or {error}); frames
// are length-prefixed with a 4-byte big-endian size. A connection has at
// most one call in flight; the server handles calls in arrival order.
package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/log"
	"github.com/stewardsys/steward/pkg/metrics"
	"github.com/stewardsys/steward/pkg/reactor"
	"github.com/stewardsys/steward/pkg/schema"
)

// maxFrameSize bounds a single method-call frame.
const maxFrameSize = 4 << 20

// Handler services one method. args are the positional arguments, kwargs
// the keyword arguments, both as decoded from the frame.
type Handler func(args []interface{}, kwargs bson.M) (interface{}, error)

// CallError is the error a client receives when the remote method fails.
type CallError struct {
	Type    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Server accepts connections on a UNIX socket and dispatches method
// calls through the reactor, serialising them with timer callbacks.
type Server struct {
	socketPath string
	reactor    *reactor.Reactor
	logger     zerolog.Logger

	mu       sync.Mutex
	methods  map[string]Handler
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewServer creates an IPC server bound to socketPath once started.
func NewServer(r *reactor.Reactor, socketPath string) *Server {
	return &Server{
		socketPath: socketPath,
		reactor:    r,
		logger:     log.WithComponent("ipc"),
		methods:    make(map[string]Handler),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Register exposes a method. Must be called before Start.
func (s *Server) Register(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = handler
}

// Start binds the socket and begins accepting connections. A stale
// socket file from a previous run is replaced.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.acceptLoop()
	s.logger.Info().Str("socket", s.socketPath).Msg("ipc listening")
	return nil
}

// Stop closes the listener and all connections.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		frame, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		reply := s.dispatch(frame)
		if err := writeFrame(conn, reply); err != nil {
			s.logger.Debug().Err(err).Msg("failed to write reply")
			return
		}
	}
}

func (s *Server) dispatch(frame bson.M) bson.M {
	method, _ := frame["method"].(string)
	s.mu.Lock()
	handler, ok := s.methods[method]
	s.mu.Unlock()
	if !ok {
		metrics.IPCRequestsTotal.WithLabelValues(method, "unknown").Inc()
		return errorReply("unknown-method", fmt.Sprintf("no such method %q", method))
	}

	args := listOf(frame["args"])
	kwargs, _ := frame["kwargs"].(bson.M)
	if kwargs == nil {
		kwargs = bson.M{}
	}

	result, err := s.reactor.Call(func() (interface{}, error) {
		return handler(args, kwargs)
	})
	if err != nil {
		metrics.IPCRequestsTotal.WithLabelValues(method, "error").Inc()
		return errorReply(errorType(err), err.Error())
	}
	metrics.IPCRequestsTotal.WithLabelValues(method, "ok").Inc()
	return bson.M{"result": result}
}

func errorType(err error) string {
	var ie *schema.InvalidError
	if errors.As(err, &ie) {
		return "schema-error"
	}
	return "error"
}

func errorReply(errType, message string) bson.M {
	return bson.M{"error": bson.M{"type": errType, "message": message}}
}

// Client is a connection to the broker's IPC socket.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to the broker socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker socket: %w", err)
	}
	return &Client{conn: conn, timeout: 30 * time.Second}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a remote method and returns its result. A remote failure
// is returned as *CallError.
func (c *Client) Call(method string, args ...interface{}) (interface{}, error) {
	return c.CallKw(method, args, nil)
}

// CallKw invokes a remote method with positional and keyword arguments.
func (c *Client) CallKw(method string, args []interface{}, kwargs bson.M) (interface{}, error) {
	if kwargs == nil {
		kwargs = bson.M{}
	}
	if args == nil {
		args = []interface{}{}
	}
	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	frame := bson.M{"method": method, "args": args, "kwargs": kwargs}
	if err := writeFrame(c.conn, frame); err != nil {
		return nil, fmt.Errorf("failed to send call: %w", err)
	}
	reply, err := readFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}

	if rawErr, ok := reply["error"]; ok {
		if m, ok := rawErr.(bson.M); ok {
			errType, _ := m["type"].(string)
			message, _ := m["message"].(string)
			return nil, &CallError{Type: errType, Message: message}
		}
		return nil, &CallError{Type: "error", Message: "malformed error reply"}
	}
	return reply["result"], nil
}

func writeFrame(w io.Writer, doc bson.M) error {
	body, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader) (bson.M, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	dec := bson.NewDecoder(bson.NewDocumentReader(bytes.NewReader(body)))
	dec.DefaultDocumentM()
	var doc bson.M
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return doc, nil
}

func listOf(v interface{}) []interface{} {
	switch l := v.(type) {
	case []interface{}:
		return l
	case bson.A:
		return []interface{}(l)
	default:
		return nil
	}
}
