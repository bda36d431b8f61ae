package iec104

import (
	"context"
	"net"
	"sync"

	"github.com/GoAethereal/cancel"
)

// Server is the passive (controlled station) side: it listens for the
// master's connection, answers STARTDT, and pushes spontaneous/periodic
// reports (M_SP_NA_1, M_ME_NC_1) out over the current connection. Only one
// master is served at a time, matching how a real RTU is wired to a single
// SCADA front end; a new inbound connection replaces the old one.
type Server struct {
	Config Config
	OnASDU func(ASDU, []byte) // receives C_SC_NA_1/C_SE_NC_1/C_IC_NA_1 from the master

	mu sync.Mutex
	l  *link
}

// Serve accepts connections on Config.Endpoint until ctx is canceled.
func (s *Server) Serve(ctx cancel.Context) error {
	ln, err := net.Listen("tcp", s.Config.Endpoint)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !ready(ctx) {
				return context.Canceled
			}
			continue
		}
		s.mu.Lock()
		if s.l != nil {
			s.l.close()
		}
		l := newLink(conn, s.Config, false, s.OnASDU)
		s.l = l
		s.mu.Unlock()
		go l.run(ctx)
	}
}

func ready(ctx cancel.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

// Serving reports whether a master is currently connected.
func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.l != nil && s.l.ready()
}

// Report pushes one spontaneous ASDU (built by the caller via the Encode*
// helpers) to the connected master, if any.
func (s *Server) Report(asdu []byte) error {
	s.mu.Lock()
	l := s.l
	s.mu.Unlock()
	if l == nil || !l.ready() {
		return ErrNotConnected
	}
	_, err := l.sendASDU(asdu)
	return err
}
