package iec104

import (
	"net"
	"sync"

	"github.com/GoAethereal/cancel"
)

// Client is the active (master) side of an IEC 60870-5-104 link: it dials
// the controlled station, performs the STARTDT handshake, issues general
// interrogations and commands on request, and forwards every decoded ASDU
// to OnASDU.
type Client struct {
	Config Config
	OnASDU func(ASDU, []byte)

	mu sync.Mutex
	l  *link
}

// Connect dials cfg.Endpoint and starts the link's read/ack/keep-alive
// loop in the background; that loop sends STARTDT, and Connect returns
// without waiting for it to be sent or confirmed.
func (c *Client) Connect(ctx cancel.Context) error {
	conn, err := net.DialTimeout("tcp", c.Config.Endpoint, c.Config.withDefaults().ConnectTimeout0)
	if err != nil {
		return err
	}
	l := newLink(conn, c.Config, true, c.OnASDU)
	c.mu.Lock()
	c.l = l
	c.mu.Unlock()
	go l.run(ctx)
	return nil
}

// Connected reports whether the link's connection is still open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l != nil && c.l.ready()
}

// Disconnect closes the underlying connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.l != nil {
		c.l.close()
	}
}

func (c *Client) link() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.l == nil || !c.l.ready() {
		return nil, ErrNotConnected
	}
	return c.l, nil
}

// Interrogate issues a general interrogation (C_IC_NA_1), the standard way
// a 104 master requests a full snapshot of every monitored point. It
// returns the framed APDU bytes actually sent.
func (c *Client) Interrogate() ([]byte, error) {
	l, err := c.link()
	if err != nil {
		return nil, err
	}
	return l.sendASDU(EncodeInterrogation(c.Config.CommonAddr, CauseActivation))
}

// SendCommand issues a C_SC_NA_1 single command to drive a remote Command
// (spec.md's yk) or Signal point. It returns the framed APDU
// bytes actually sent.
func (c *Client) SendCommand(addr InfoObjAddr, on bool) ([]byte, error) {
	l, err := c.link()
	if err != nil {
		return nil, err
	}
	return l.sendASDU(EncodeSingleCommand(c.Config.CommonAddr, addr, on, CauseActivation))
}

// SendSetpoint issues a C_SE_NC_1 set-point command to drive a remote
// Setpoint point. It returns the framed APDU bytes actually sent.
func (c *Client) SendSetpoint(addr InfoObjAddr, value float32) ([]byte, error) {
	l, err := c.link()
	if err != nil {
		return nil, err
	}
	return l.sendASDU(EncodeSetpoint(c.Config.CommonAddr, addr, value, CauseActivation))
}
