package dlt645

import (
	"context"
	"io"
	"net"

	"github.com/goburrow/serial"
)

// Handler answers a meter-side request for di, returning the value and its
// BCD encoding width. ok=false yields a negative acknowledgement.
type Handler interface {
	GetData(di uint32) (value int64, width int, ok bool)
	SetData(di uint32, value int64) (ok bool)
}

// Server simulates a meter: it accepts a connection (or opens a serial
// port) and answers read/write requests addressed to MeterAddress.
type Server struct {
	Config  Config
	Handler Handler
}

// Serve runs until ctx is canceled. Kind "tcp" accepts one connection at a
// time (a meter only ever talks to one RS-485 master at a time, so the
// TCP-gateway mode mirrors that); Kind "serial" opens the port once.
func (s *Server) Serve(ctx context.Context) error {
	addr, err := ParseAddress(s.Config.MeterAddress)
	if err != nil {
		return err
	}

	switch s.Config.Kind {
	case "tcp":
		return s.serveTCP(ctx, addr)
	case "serial":
		return s.serveSerial(ctx, addr)
	}
	return ErrBadStart
}

func (s *Server) serveTCP(ctx context.Context, addr Address) error {
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
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}
		s.handle(ctx, conn, addr)
	}
}

func (s *Server) serveSerial(ctx context.Context, addr Address) error {
	p := s.Config.Serial.withDefaults()
	port, err := serial.Open(&serial.Config{
		Address:  s.Config.Endpoint,
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
		StopBits: p.StopBits,
		Parity:   p.Parity,
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		port.Close()
	}()
	s.handle(ctx, port, addr)
	return ctx.Err()
}

func (s *Server) handle(ctx context.Context, conn io.ReadWriteCloser, addr Address) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		hdr := make([]byte, 10)
		if err := readFull(conn, hdr); err != nil {
			return
		}
		l := int(hdr[9])
		rest := make([]byte, l+2)
		if err := readFull(conn, rest); err != nil {
			return
		}
		req, err := decode(append(hdr, rest...))
		if err != nil {
			continue
		}
		if req.Addr != addr {
			continue
		}
		res := s.respond(req)
		if res != nil {
			conn.Write(res)
		}
	}
}

func (s *Server) respond(req decoded) []byte {
	switch req.Control {
	case cReadData:
		if len(req.Data) < 4 {
			return nil
		}
		di := diFromBytes(req.Data[:4])
		value, width, ok := s.Handler.GetData(di)
		if !ok {
			res, _ := encode(req.Addr, cReadData|cRespMask|cErrMask, req.Data[:4])
			return res
		}
		payload := append(diBytes(di), encodeBCD(value, width)...)
		res, _ := encode(req.Addr, cReadData|cRespMask, payload)
		return res
	case cWriteData:
		if len(req.Data) < 4 {
			return nil
		}
		di := diFromBytes(req.Data[:4])
		ok := false
		if len(req.Data) >= 8 {
			value := decodeBCD(req.Data[len(req.Data)-4:])
			ok = s.Handler.SetData(di, value)
		}
		ctl := cWriteData | cRespMask
		if !ok {
			ctl |= cErrMask
		}
		res, _ := encode(req.Addr, ctl, req.Data[:4])
		return res
	}
	return nil
}
