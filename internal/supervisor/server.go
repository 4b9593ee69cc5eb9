package supervisor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/fcsandbox/internal/wire"
)

// DefaultPort is the guest vsock port the supervisor listens on.
const DefaultPort uint32 = 8000

// Executor runs one code string. KernelManager is the production
// implementation.
type Executor interface {
	Execute(ctx context.Context, code string) wire.ExecuteResponse
}

// Server bridges framed requests arriving on a listener to an Executor.
// Each connection carries exactly one request and one response.
type Server struct {
	exec     Executor
	maxFrame uint32
	log      *logrus.Entry
	wg       sync.WaitGroup
}

// NewServer creates a Server. maxFrame of 0 selects wire.DefaultMaxFrameSize.
func NewServer(exec Executor, maxFrame uint32, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{exec: exec, maxFrame: maxFrame, log: log}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Connections are handled concurrently; the Executor is responsible for
// serializing access to the kernel.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer s.wg.Wait()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.log.WithError(err).Warnf("accept failed; retrying in %v", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		delay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log
	if addr := conn.RemoteAddr(); addr != nil {
		log = log.WithField("remote", addr.String())
	}

	var req wire.ExecuteRequest
	if err := wire.ReadMessage(conn, s.maxFrame, &req); err != nil {
		var tooLarge *wire.FrameTooLargeError
		switch {
		case errors.Is(err, wire.ErrConnectionClosed):
			log.Debug("peer closed before sending a request")
			return
		case errors.As(err, &tooLarge):
			log.WithError(err).Warn("rejecting oversized request")
			s.reply(log, conn, wire.ErrorResponse("request rejected: %v", err))
			return
		default:
			log.WithError(err).Warn("unreadable request")
			s.reply(log, conn, wire.FatalResponse("supervisor: malformed request: %v", err))
			return
		}
	}

	start := time.Now()
	resp := s.exec.Execute(ctx, req.Code)
	log.WithFields(logrus.Fields{
		"status":   resp.Status,
		"duration": time.Since(start).String(),
	}).Debug("request served")
	s.reply(log, conn, resp)
}

func (s *Server) reply(log *logrus.Entry, conn net.Conn, resp wire.ExecuteResponse) {
	if err := wire.WriteMessage(conn, resp); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}
