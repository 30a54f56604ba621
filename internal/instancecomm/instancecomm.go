// Package instancecomm listens on a per-platform local endpoint (Unix
// domain socket on POSIX, named pipe on Windows) for single-line control
// messages from the sibling CLI -- reload requests that let an operator
// pick up configuration or a single module's settings without restarting
// the agent.
package instancecomm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/events"
)

// maxLineBytes bounds a single control message. A connection that doesn't
// send a newline within this budget is rejected.
const maxLineBytes = 4096

// Handlers are invoked for recognized control messages. Either field may be
// nil, in which case the corresponding message is accepted but a no-op.
type Handlers struct {
	ReloadAll    func()
	ReloadModule func(name string)
}

// Server accepts and serves one control connection at a time.
type Server struct {
	listener net.Listener
	handlers Handlers
	bus      *events.Bus
	log      *slog.Logger

	keepRunning atomic.Bool
}

// New builds a Server around an already-bound listener (see NewListener).
func New(listener net.Listener, handlers Handlers, bus *events.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{listener: listener, handlers: handlers, bus: bus, log: log}
}

// Stop flips the cooperative keepRunning flag and unblocks any pending
// Accept by closing the listener.
func (s *Server) Stop() {
	s.keepRunning.Store(false)
	_ = s.listener.Close()
}

// Serve accepts connections one at a time until ctx is cancelled or Stop is
// called. It never serves more than one client connection concurrently.
func (s *Server) Serve(ctx context.Context) error {
	s.keepRunning.Store(true)
	defer s.keepRunning.Store(false)

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.listener.Close()
		case <-stopped:
		}
	}()
	defer close(stopped)

	for s.keepRunning.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || !s.keepRunning.Load() {
				return nil
			}
			return fmt.Errorf("instancecomm: accept: %w", err)
		}
		s.handleConn(conn)
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	line, err := readLine(conn)
	if err != nil {
		s.log.Warn("instancecomm: rejecting connection", "error", err)
		return
	}

	switch {
	case line == "RELOAD":
		s.log.Info("instancecomm: reload requested")
		if s.handlers.ReloadAll != nil {
			s.handlers.ReloadAll()
		}
		s.bus.Publish(events.Event{Type: events.EventReload, Message: "reload", Timestamp: time.Now()})

	case strings.HasPrefix(line, "RELOAD-MODULE:"):
		name := strings.TrimPrefix(line, "RELOAD-MODULE:")
		if name == "" {
			s.log.Warn("instancecomm: empty module name in RELOAD-MODULE command")
			return
		}
		s.log.Info("instancecomm: module reload requested", "module", name)
		if s.handlers.ReloadModule != nil {
			s.handlers.ReloadModule(name)
		}
		s.bus.Publish(events.Event{Type: events.EventReload, Subject: name, Message: "reload module", Timestamp: time.Now()})

	default:
		s.log.Warn("instancecomm: unrecognized control message", "line", line)
	}
}

// readLine reads a single newline-terminated message from conn, bounded to
// maxLineBytes. If no newline appears within that budget, the read is
// rejected rather than allowed to grow unbounded.
func readLine(conn net.Conn) (string, error) {
	r := bufio.NewReader(io.LimitReader(conn, maxLineBytes))
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("no newline within %d bytes", maxLineBytes)
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
