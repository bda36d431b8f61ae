package modbus

import (
	"context"
	"net"
	"sync"

	"github.com/GoAethereal/cancel"
	"github.com/goburrow/serial"
)

// Server is the go implementation of a modbus slave.
// Once serving it will listen for incomming requests and forward them to the modbus.Handler h.
// Generally the intended use is as follows:
//
//	ctx := cancel.New()
//	cfg := modbus.Config{
//		Mode:     "tcp",
//		Kind:     "tcp",
//		Endpoint: "localhost:502",
//	}
//	h := &modbus.Mux{/*define individual handlers*/}
//	s := modbus.Server{}
//
//	log.Fatal(s.Serve(ctx, cfg, h))
type Server struct {
	mu sync.Mutex
	f  framer
}

// Serve starts the modbus server and listens for incomming requests.
// The Handler h is called for each inbound message.
// h must be safe for use by multiple go routines.
func (s *Server) Serve(ctx cancel.Context, cfg Config, h Handler) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = cfg.Verify(); err != nil {
		return err
	}
	if s.f, err = cfg.framer(ctx); err != nil {
		return err
	}

	switch cfg.Kind {
	case "tcp":
		return s.serveTCP(ctx, cfg, h)
	case "serial":
		return s.serveSerial(ctx, cfg, h)
	}
	return ErrInvalidParameter
}

func (s *Server) serveTCP(ctx cancel.Context, cfg Config, h Handler) error {
	l, err := net.Listen(cfg.Kind, cfg.Endpoint)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		l.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
			conn, err := l.Accept()
			if err != nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := &network{mu: newMutex(), conn: conn}
				s.handle(ctx, c, h)
			}()
		}
	}
}

// serveSerial handles the one-line, one-peer case: a serial bus has no
// accept loop, so the port is opened once and served until ctx is canceled.
func (s *Server) serveSerial(ctx cancel.Context, cfg Config, h Handler) error {
	p := cfg.Serial.withDefaults()
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Endpoint,
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
		StopBits: p.StopBits,
		Parity:   p.Parity,
		Timeout:  p.Timeout,
	})
	if err != nil {
		return err
	}
	c := &serialLine{mu: newMutex(), port: port}
	go func() {
		<-ctx.Done()
		c.close()
	}()
	s.handle(ctx, c, h)
	return ctx.Err()
}

func (s *Server) handle(ctx cancel.Context, c connection, h Handler) {
	defer c.close()
	var wg sync.WaitGroup

	_, wait := c.listen(ctx, func(adu []byte, err error) (quit bool) {
		if err != nil {
			return true
		}
		buf := s.f.buffer()
		buf = buf[:copy(buf, adu)]
		wg.Add(1)
		go func(adu []byte) {
			defer wg.Done()
			var res []byte
			var ex Exception
			uid, code, req, err := s.f.decode(adu)

			switch {
			case err != nil:
				return
			case code < 0x80:
				res, ex = h.Handle(ctx, code, req)
			default:
				ex = ExIllegalFunction
			}

			switch {
			case ex != nil:
				code |= 0x80
				res = []byte{ex.Code()}
			case len(res) > 252:
				code |= 0x80
				res = []byte{ExSlaveDeviceFailure.Code()}
			}

			reply, rerr := s.f.reply(uid, code, res, adu)
			if rerr != nil {
				return
			}
			c.write(ctx, reply)
		}(buf)
		return false
	})

	c.read(ctx, s.f.buffer())
	<-wait
	wg.Wait()
}
