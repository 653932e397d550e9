// Package transport provides the byte-level bus transfer operation (C1)
// consumed by the CPLD engine. It does not know about PLDM, JED, or the
// orchestrator above it — only write-then-read exchanges against a numbered
// bus and a 7-bit device address.
package transport

import (
	"sync"

	"fwupdate/internal/fwerr"
)

// Strategy names one of the transport backends a Device may be opened with.
type Strategy string

const (
	StrategyKernelI2C Strategy = "kernel-i2c"
	StrategyUSBBridge Strategy = "usb-bridge"
	StrategySSHBridge Strategy = "ssh-bridge"
)

// Transport is the contract in spec §4.1: an exclusive claim on one device
// address, paired write-then-read byte exchanges, bounded retry with no
// backoff.
type Transport interface {
	// Open acquires an exclusive claim on bus/addr. addr is a 7-bit I²C
	// device address.
	Open(bus int, addr uint8) error
	// SendReceive performs an optional write of write, then an optional
	// read of readLen bytes. Either may be empty; both empty is a no-op
	// that returns an empty read.
	SendReceive(write []byte, readLen int) ([]byte, error)
	Close() error
	// SetTracer attaches an optional bus activity tracer; nil disables it.
	SetTracer(t *Tracer)
}

// Config carries the bus selection and per-backend addressing shared by all
// Transport implementations.
type Config struct {
	Bus         int
	Addr        uint8
	MaxRetries  int // default 0, matching spec §4.1
	USBVendorID uint16
	USBProduct  uint16
	SSHHost     string
	SSHUser     string
	SSHPassword string
}

// guard enforces the "exclusive claim per address on open" rule shared by
// every backend; a plain mutex models this more directly than any library
// in the pack. It also carries the optional bus tracer each backend's
// SendReceive wraps its transfer in.
type guard struct {
	mu     sync.Mutex
	open   bool
	tracer *Tracer
}

// SetTracer attaches a Tracer to this backend's transfers. Passing nil
// (the default) leaves SendReceive untraced.
func (g *guard) SetTracer(t *Tracer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracer = t
}

// trace runs fn, timed through the attached Tracer when one is set.
func (g *guard) trace(label string, fn func() error) error {
	g.mu.Lock()
	t := g.tracer
	g.mu.Unlock()
	if t == nil {
		return fn()
	}
	return t.Around(label, fn)
}

func (g *guard) claim() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return fwerr.New(fwerr.KindTransportFailed, "bus address already claimed")
	}
	g.open = true
	return nil
}

func (g *guard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = false
}

func (g *guard) requireOpen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return fwerr.New(fwerr.KindTransportFailed, "not open")
	}
	return nil
}

// retry runs fn up to cfg.MaxRetries+1 times with no backoff, wrapping the
// last failure as TransportFailed.
func retry(maxRetries int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return fwerr.Wrap(fwerr.KindTransportFailed, "transport exhausted retries", lastErr)
}

// New builds the Transport backend named by strategy, wired to cfg.
func New(strategy Strategy, cfg Config) (Transport, error) {
	switch strategy {
	case StrategyKernelI2C:
		return NewKernelI2C(cfg), nil
	case StrategyUSBBridge:
		return NewUSBBridge(cfg), nil
	case StrategySSHBridge:
		return NewSSHBridge(cfg), nil
	default:
		return nil, fwerr.New(fwerr.KindInvalidConfig, "unknown transport strategy", string(strategy))
	}
}
