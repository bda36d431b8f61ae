package modbus

import (
	"container/list"
	"context"
	"sync/atomic"

	"github.com/goburrow/serial"
)

// serialLine is the connection implementation used for RTU framing over a
// physical or virtual serial port. Unlike network it has no read/write
// deadlines to juggle: a canceled read is unblocked by closing the port,
// same as the teacher's TCP fallback path already does on a bad context.
type serialLine struct {
	mu     mutex
	l      list.List
	port   serial.Port
	closed int32
}

var _ connection = (*serialLine)(nil)

func openSerial(cfg serial.Config) (connection, error) {
	port, err := serial.Open(&cfg)
	if err != nil {
		return nil, err
	}
	c := &serialLine{mu: newMutex(), port: port}
	go c.read(context.Background(), make([]byte, 256))
	return c, nil
}

func (c *serialLine) close() error {
	atomic.StoreInt32(&c.closed, 1)
	return c.port.Close()
}

func (c *serialLine) ready() bool {
	return atomic.LoadInt32(&c.closed) == 0
}

func (c *serialLine) read(ctx context.Context, buf []byte) (err error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			c.port.Close()
		}
	}()
	var n int
	for {
		n, err = c.port.Read(buf)
		c.broadcast(ctx, buf[:n], err)
		if err != nil {
			atomic.StoreInt32(&c.closed, 1)
			close(done)
			return err
		}
	}
}

func (c *serialLine) broadcast(ctx context.Context, adu []byte, err error) {
	if c.mu.lock(ctx) != nil {
		return
	}
	defer c.mu.unlock()
	var n *list.Element
	for e := c.l.Front(); e != nil; e = n {
		n = e.Next()
		r := e.Value.(receiver)
		if r.callback(adu, err) {
			c.l.Remove(e)
			close(r.done)
		}
	}
}

func (c *serialLine) write(ctx context.Context, adu []byte) (err error) {
	if err = c.mu.lock(ctx); err != nil {
		return err
	}
	defer c.mu.unlock()
	_, err = c.port.Write(adu)
	return err
}

func (c *serialLine) listen(ctx context.Context, callback func(adu []byte, err error) (quit bool)) (cancel context.CancelFunc, done <-chan struct{}) {
	if c.mu.lock(ctx) != nil {
		return nil, nil
	}
	defer c.mu.unlock()
	ctx, cancel = context.WithCancel(ctx)
	r := receiver{done: make(chan struct{}), callback: callback}
	e := c.l.PushFront(r)
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			c.mu.lock(context.Background())
			defer c.mu.unlock()
			select {
			case <-done:
			default:
				c.l.Remove(e)
				close(r.done)
			}
		}
	}()
	return cancel, r.done
}
