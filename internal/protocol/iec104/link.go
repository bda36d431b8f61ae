package iec104

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoAethereal/cancel"
)

// link is the sequenced, acknowledged I/S/U-frame state machine shared by
// Client (active/master) and Server (passive/slave): one TCP connection,
// one send/receive sequence counter pair, one t1/t2/t3 timer set. Grounded
// on the control-field layout in cs104/apci.go; the retrieved example
// stopped at framing helpers, so the connection loop itself follows the
// modbus package's cancel.Context/background-reader idiom.
type link struct {
	conn net.Conn
	cfg  Config
	dial bool // true if we are the one who must send STARTDT

	onASDU func(ASDU, []byte)

	mu      sync.Mutex
	sendSN  uint16
	rcvSN   uint16
	unacked uint16

	started   int32 // STARTDT confirmed
	closed    int32
	lastRecvW time.Time
}

func newLink(conn net.Conn, cfg Config, dial bool, onASDU func(ASDU, []byte)) *link {
	return &link{conn: conn, cfg: cfg.withDefaults(), dial: dial, onASDU: onASDU, lastRecvW: time.Now()}
}

func (l *link) ready() bool { return atomic.LoadInt32(&l.closed) == 0 }

func (l *link) close() error {
	atomic.StoreInt32(&l.closed, 1)
	return l.conn.Close()
}

// run drives the link until ctx is canceled or the connection errors. It
// starts the data-transfer handshake (client side sends STARTDT), then
// alternates between reading frames and servicing the t3 keep-alive timer.
func (l *link) run(ctx cancel.Context) error {
	go func() {
		<-ctx.Done()
		l.close()
	}()

	if l.dial {
		if err := l.writeRaw(newUFrame(uStartDtActive)); err != nil {
			return err
		}
	}

	testTicker := time.NewTicker(l.cfg.IdleTimeout3)
	defer testTicker.Stop()
	go func() {
		for range testTicker.C {
			if !l.ready() {
				return
			}
			l.writeRaw(newUFrame(uTestFrActive))
		}
	}()

	for {
		frame, err := readFrame(l.conn)
		if err != nil {
			l.close()
			return err
		}
		l.dispatch(frame)
		if !l.ready() {
			return io.EOF
		}
	}
}

func (l *link) dispatch(frame []byte) {
	var hdr [6]byte
	copy(hdr[:], frame[:6])
	switch f := parseAPCI(hdr).(type) {
	case uFrame:
		switch f.function {
		case uStartDtActive:
			atomic.StoreInt32(&l.started, 1)
			l.writeRaw(newUFrame(uStartDtConfirm))
		case uStartDtConfirm:
			atomic.StoreInt32(&l.started, 1)
		case uStopDtActive:
			l.writeRaw(newUFrame(uStopDtConfirm))
		case uTestFrActive:
			l.writeRaw(newUFrame(uTestFrConfirm))
		}
	case sFrame:
		l.mu.Lock()
		l.unacked = 0
		l.mu.Unlock()
	case iFrame:
		l.mu.Lock()
		l.rcvSN = f.sendSN + 1
		l.unacked++
		due := l.unacked >= l.cfg.RecvUnAckLimitW
		rcv := l.rcvSN
		l.mu.Unlock()
		if due {
			l.writeRaw(newSFrame(rcv))
			l.mu.Lock()
			l.unacked = 0
			l.mu.Unlock()
		}
		if len(frame) > 6 && l.onASDU != nil {
			if a, err := Decode(frame[6:]); err == nil {
				l.onASDU(a, frame)
			}
		}
	}
}

// sendASDU frames and transmits one ASDU as an I-frame, returning the
// framed APDU bytes actually written. ErrSequenceOverrun is returned
// rather than blocking when the unacked send window (k) is exhausted.
func (l *link) sendASDU(asdu []byte) (frame []byte, err error) {
	l.mu.Lock()
	if l.unacked >= l.cfg.SendUnAckLimitK {
		l.mu.Unlock()
		return nil, ErrSequenceOverrun
	}
	send, rcv := l.sendSN, l.rcvSN
	l.sendSN++
	l.mu.Unlock()

	frame, err = newIFrame(send, rcv, asdu)
	if err != nil {
		return nil, err
	}
	if err := l.writeRaw(frame); err != nil {
		return frame, err
	}
	return frame, nil
}

func (l *link) writeRaw(frame []byte) error {
	if !l.ready() {
		return ErrNotConnected
	}
	_, err := l.conn.Write(frame)
	return err
}

// readFrame reads one APDU: start byte, length byte, then length bytes of
// control field + ASDU.
func readFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != startFrame {
		return nil, io.ErrUnexpectedEOF
	}
	body := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	out := make([]byte, 2+len(body))
	copy(out, hdr)
	copy(out[2:], body)
	return out, nil
}
