// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the RFC 7252 datagram transport: one socket
// shared by a pool of worker goroutines, each looping
// receive-decode-dispatch-encode-send.
package udp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/takagi-works/takagi"
	"github.com/takagi-works/takagi/coap"
	"github.com/takagi-works/takagi/internal/server"
	"github.com/takagi-works/takagi/observe"
)

const (
	udpProtocol  = "udp"
	maxPacketLen = 1500

	// Workers are given this long to finish in-flight datagrams on
	// shutdown.
	drainWait = 2 * time.Second
)

var _ server.Server = (*Server)(nil)
var _ observe.Sender = (*Server)(nil)

// Server is the UDP transport server.
type Server struct {
	server.BaseServer
	svc       takagi.Service
	observers *observe.Registry
	workers   int

	mu      sync.Mutex
	conn    *net.UDPConn
	stopped bool
	wg      sync.WaitGroup
}

// NewServer returns a UDP server dispatching to the given service with the
// given number of worker goroutines.
func NewServer(ctx context.Context, cancel context.CancelFunc, name string, config server.Config, svc takagi.Service, observers *observe.Registry, workers int, logger *slog.Logger) *Server {
	if workers <= 0 {
		workers = 4
	}
	return &Server{
		BaseServer: server.NewBaseServer(ctx, cancel, name, config, logger),
		svc:        svc,
		observers:  observers,
		workers:    workers,
	}
}

// Start binds the socket and runs the worker pool until the context is
// canceled.
func (s *Server) Start() error {
	uaddr, err := net.ResolveUDPAddr(udpProtocol, s.Address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP(udpProtocol, uaddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.Protocol = udpProtocol

	s.Logger.Info(fmt.Sprintf("%s service %s server listening at %s with %d workers", s.Name, s.Protocol, s.Address, s.workers))

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.loop(conn)
	}

	<-s.Ctx.Done()
	return s.Stop()
}

func (s *Server) loop(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, maxPacketLen)
	for {
		nr, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.Ctx.Err() != nil {
				return
			}
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			s.Logger.Warn(fmt.Sprintf("Error reading datagram: %s.", err))
			continue
		}
		data := make([]byte, nr)
		copy(data, buf[:nr])
		s.serve(data, addr)
	}
}

func (s *Server) serve(data []byte, addr *net.UDPAddr) {
	msg, err := coap.Decode(data)
	if err != nil {
		s.Logger.Warn(fmt.Sprintf("Error decoding datagram from %s: %s.", addr, err))
		s.reject(data, addr)
		return
	}

	switch msg.Type {
	case coap.Reset:
		// The observer gave up on a notification.
		s.observers.DropToken(msg.Token)
		return
	case coap.Acknowledgement:
		return
	}

	// An empty confirmable is a CoAP ping; answer with a matching RST.
	if msg.Code == 0 {
		s.reject(data, addr)
		return
	}

	resp := s.svc.HandleRequest(s.Ctx, msg, addr)
	if resp == nil {
		return
	}
	resp.Token = msg.Token
	if msg.Type == coap.Confirmable {
		resp.Type = coap.Acknowledgement
		resp.MessageID = msg.MessageID
	} else {
		resp.Type = coap.NonConfirmable
		resp.MessageID = msg.MessageID
	}
	if err := s.Send(addr, resp); err != nil {
		s.Logger.Warn(fmt.Sprintf("Error sending response to %s: %s.", addr, err))
	}
}

// reject answers undecodable bytes with a RST, echoing the message ID when
// enough of the header survived to read one.
func (s *Server) reject(data []byte, addr *net.UDPAddr) {
	rst := &coap.Message{Version: 1, Type: coap.Reset}
	if len(data) >= 4 {
		rst.MessageID = binary.BigEndian.Uint16(data[2:4])
	}
	if err := s.Send(addr, rst); err != nil {
		s.Logger.Warn(fmt.Sprintf("Error sending reset to %s: %s.", addr, err))
	}
}

// Send encodes and transmits one message. It also serves observe
// notifications, which makes the server the transport sender for the
// observe registry.
func (s *Server) Send(addr net.Addr, msg *coap.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	_, err = conn.WriteTo(raw, addr)
	return err
}

// Stop closes the socket, drains the workers with a bounded grace period
// and drops all observers.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	defer s.Cancel()
	if conn != nil {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainWait):
		s.Logger.Warn(fmt.Sprintf("%s service %s server workers did not drain within %s", s.Name, s.Protocol, drainWait))
	}

	s.observers.StopAll()
	s.Logger.Info(fmt.Sprintf("%s service %s server shutdown at %s", s.Name, s.Protocol, s.Address))
	return nil
}
