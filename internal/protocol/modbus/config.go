package modbus

import (
	"log"
	"net"
	"time"

	"github.com/GoAethereal/cancel"
	"github.com/goburrow/serial"
)

// Config are used to configure a modbus client or server
type Config struct {
	// Mode defines the communication framing
	// valid modes are:
	//	- tcp
	//	- rtu
	Mode string
	// Kind specifies the underlying network layer
	// valid kinds are:
	//	- tcp
	//	- serial
	Kind string
	// Endpoint used for connecting to (client) or listening on (server).
	// For Kind "serial" this is the device path, e.g. /dev/ttyUSB0.
	Endpoint string
	// Unit identifier used
	UnitID byte

	// Serial carries the line parameters used when Kind is "serial".
	Serial SerialParams
}

// SerialParams mirrors goburrow/serial.Config, kept as a separate type so
// Config stays serializable without pulling the serial package's own
// struct into the YAML schema.
type SerialParams struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

func (s SerialParams) withDefaults() SerialParams {
	if s.BaudRate == 0 {
		s.BaudRate = 9600
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.Timeout == 0 {
		s.Timeout = time.Second
	}
	return s
}

// Verify validates the modbus.Config, thereby checking for invalid parameter.
// If the options are valid no error (nil) is returned.
func (cfg *Config) Verify() error {
	switch cfg.Mode {
	case "tcp", "rtu":
	default:
		return ErrInvalidParameter
	}

	switch cfg.Kind {
	case "tcp", "serial":
	default:
		return ErrInvalidParameter
	}

	return nil
}

// framer creates a new modbus framer from the given configuration.
func (cfg Config) framer(_ cancel.Context) (framer, error) {
	switch cfg.Mode {
	case "tcp":
		return &tcp{unitId: cfg.UnitID}, nil
	case "rtu":
		return &rtu{}, nil
	}
	return nil, ErrInvalidParameter
}

func (cfg Config) connection(ctx cancel.Context) (connection, error) {
	switch cfg.Kind {
	case "tcp":
		ctx, cancel := cancel.Promote(ctx)
		defer cancel()
		con, err := new(net.Dialer).DialContext(ctx, cfg.Kind, cfg.Endpoint)
		if err != nil {
			log.Println("connection failed")
			return nil, err
		}

		return (&network{con: con, buf: make([]byte, 260)}).init()
	case "serial":
		p := cfg.Serial.withDefaults()
		return openSerial(serial.Config{
			Address:  cfg.Endpoint,
			BaudRate: p.BaudRate,
			DataBits: p.DataBits,
			StopBits: p.StopBits,
			Parity:   p.Parity,
			Timeout:  p.Timeout,
		})
	}
	return nil, ErrInvalidParameter
}

// listen creates a new listener on the configured endpoint.
// If successful a acceptor function will be returned.
// The function will block until a new connection is established or an error occurs.
func (cfg Config) listen(ctx cancel.Context) (fn func() (connection, error), err error) {
	switch cfg.Kind {
	case "tcp":
		l, err := net.Listen(cfg.Kind, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		// start the watch-dog which will stop the listener when the context is canceled
		go func() {
			<-ctx.Done()
			l.Close()
		}()
		fn = func() (connection, error) {
			con, err := l.Accept()
			if err != nil {
				return nil, err
			}
			return (&network{con: con, buf: make([]byte, 256)}).init()
		}

	}
	return fn, nil
}
