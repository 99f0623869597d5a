// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the RFC 8323 stream transport: an accept loop
// with one goroutine per connection, the CSM capabilities handshake and
// the signaling message exchange.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/takagi-works/takagi"
	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/internal/server"
)

const (
	tcpProtocol = "tcp"

	// Connection handlers are given this long to finish on shutdown.
	drainWait = 5 * time.Second
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the drain
// deadline.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

var _ server.Server = (*Server)(nil)

// Server is the TCP transport server.
type Server struct {
	server.BaseServer
	svc takagi.Service

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
}

// NewServer returns a TCP server dispatching to the given service.
func NewServer(ctx context.Context, cancel context.CancelFunc, name string, config server.Config, svc takagi.Service, logger *slog.Logger) *Server {
	return &Server{
		BaseServer: server.NewBaseServer(ctx, cancel, name, config, logger),
		svc:        svc,
	}
}

// Start accepts connections until the context is canceled, handling each
// on its own goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen(tcpProtocol, s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.Protocol = tcpProtocol

	s.Logger.Info(fmt.Sprintf("%s service %s server listening at %s", s.Name, s.Protocol, s.Address))

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || s.Ctx.Err() != nil {
					return
				}
				s.Logger.Error(fmt.Sprintf("Failed to accept connection: %s.", err))
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleConn(s.Ctx, conn); err != nil && !errors.Is(err, io.EOF) {
					s.Logger.Warn(fmt.Sprintf("Connection %s closed: %s.", conn.RemoteAddr(), err))
				}
			}()
		}
	}()

	<-s.Ctx.Done()
	return s.Stop()
}

// handleConn runs the RFC 8323 session: CSM handshake first, then the
// framed read loop. Request/response pairs stay ordered because one
// goroutine owns the connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	first, err := coap.ReadFrame(conn)
	if err != nil {
		return err
	}
	if first.Code != coap.CSM {
		s.abort(conn)
		return fmt.Errorf("first message was %s, want CSM", first.Code)
	}
	if err := s.writeCSM(conn); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := coap.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.abort(conn)
			return err
		}

		switch {
		case msg.Code == coap.CSM:
			// Peer capabilities update, nothing to answer.
		case msg.Code == coap.Ping:
			pong := coap.NewTCPMessage(coap.Pong, msg.Token)
			if err := s.write(conn, pong); err != nil {
				return err
			}
		case msg.Code == coap.Pong:
		case msg.Code == coap.Release, msg.Code == coap.Abort:
			return nil
		case msg.Code.IsRequest():
			resp := s.svc.HandleRequest(ctx, msg, conn.RemoteAddr())
			if resp == nil {
				continue
			}
			resp.Token = msg.Token
			resp.Transport = coap.TCP
			if err := s.write(conn, resp); err != nil {
				return err
			}
		default:
			// Responses and unknown signaling are ignored.
		}
	}
}

// writeCSM sends the server capabilities: Max-Message-Size and an empty
// Block-Wise-Transfer option.
func (s *Server) writeCSM(conn net.Conn) error {
	csm := coap.NewTCPMessage(coap.CSM, nil)
	csm.AddUintOption(coap.OptMaxMessageSize, coap.MaxMessageSize)
	csm.AddOption(coap.OptBlockWiseTransfer, nil)
	return s.write(conn, csm)
}

func (s *Server) abort(conn net.Conn) {
	msg := coap.NewTCPMessage(coap.Abort, nil)
	if err := s.write(conn, msg); err != nil {
		s.Logger.Warn(fmt.Sprintf("Error sending abort to %s: %s.", conn.RemoteAddr(), err))
	}
}

func (s *Server) write(conn net.Conn, msg *coap.Message) error {
	raw, err := msg.EncodeTCP()
	if err != nil {
		return err
	}
	_, err = conn.Write(raw)
	return err
}

// Stop closes the listener and joins the connection handlers with a
// bounded drain deadline.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	s.mu.Unlock()

	defer s.Cancel()
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainWait):
		s.Logger.Warn(fmt.Sprintf("%s service %s server connections did not drain within %s", s.Name, s.Protocol, drainWait))
		return ErrShutdownTimeout
	}

	s.Logger.Info(fmt.Sprintf("%s service %s server shutdown at %s", s.Name, s.Protocol, s.Address))
	return nil
}
