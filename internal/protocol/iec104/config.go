package iec104

import "time"

// Config carries the per-link parameters of companion standard 104,
// subclass 5.2/5.5. Zero values are replaced by the IEC-recommended
// defaults in withDefaults.
type Config struct {
	// Endpoint is "host:port" for both client (dial) and server (listen).
	Endpoint string
	// CommonAddr is this link's station address, stamped on every ASDU.
	CommonAddr uint16

	// ConnectTimeout0 "t0", default 30s.
	ConnectTimeout0 time.Duration
	// SendUnAckLimitK "k", the unacked-I-frame send window, default 12.
	SendUnAckLimitK uint16
	// SendUnAckTimeout1 "t1", default 15s.
	SendUnAckTimeout1 time.Duration
	// RecvUnAckLimitW "w", ack-after-W-frames threshold, default 8.
	RecvUnAckLimitW uint16
	// RecvUnAckTimeout2 "t2", default 10s.
	RecvUnAckTimeout2 time.Duration
	// IdleTimeout3 "t3", the TESTFR keep-alive interval, default 20s.
	IdleTimeout3 time.Duration
	// InterrogationInterval is how often a client link re-issues a
	// general interrogation to refresh its mirrored point table, on top
	// of the one issued when the link comes up. Default 5m.
	InterrogationInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout0 == 0 {
		c.ConnectTimeout0 = 30 * time.Second
	}
	if c.SendUnAckLimitK == 0 {
		c.SendUnAckLimitK = 12
	}
	if c.SendUnAckTimeout1 == 0 {
		c.SendUnAckTimeout1 = 15 * time.Second
	}
	if c.RecvUnAckLimitW == 0 {
		c.RecvUnAckLimitW = 8
	}
	if c.RecvUnAckTimeout2 == 0 {
		c.RecvUnAckTimeout2 = 10 * time.Second
	}
	if c.IdleTimeout3 == 0 {
		c.IdleTimeout3 = 20 * time.Second
	}
	if c.InterrogationInterval == 0 {
		c.InterrogationInterval = 5 * time.Minute
	}
	return c
}
