package xhci

import (
	"github.com/efficientgo/core/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
)

// Config holds the configuration for a [Controller].
type Config struct {
	MaxSlots         uint8 // Device slots enabled (CONFIG.MaxSlotsEn)
	MaxPorts         uint8 // Root hub ports scanned at start
	CommandRingSize  int   // TRBs in the command ring
	EventRingSize    int   // TRBs in the event ring segment
	TransferRingSize int   // TRBs in each transfer ring

	// Registry selects class drivers for enumerated devices. Nil binds no
	// drivers.
	Registry *usb.Registry

	// Registerer receives the controller's metrics. Nil disables
	// registration.
	Registerer prometheus.Registerer

	// OnDeviceInitialized is called once per device when enumeration
	// finishes.
	OnDeviceInitialized func(d *Device)
}

// Option is a functional option for configuring a controller.
type Option func(*Config) error

// Default ring and slot sizes.
const (
	DefaultMaxSlots         = 8
	DefaultMaxPorts         = 4
	DefaultCommandRingSize  = 32
	DefaultEventRingSize    = 32
	DefaultTransferRingSize = 32
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSlots:         DefaultMaxSlots,
		MaxPorts:         DefaultMaxPorts,
		CommandRingSize:  DefaultCommandRingSize,
		EventRingSize:    DefaultEventRingSize,
		TransferRingSize: DefaultTransferRingSize,
	}
}

func ringSizeValid(n, least int) error {
	if n < least || n > MaxRingSize {
		return errors.Wrapf(pkg.ErrInvalidParameter, "ring size %d outside [%d, %d]", n, least, MaxRingSize)
	}
	return nil
}

// WithMaxSlots sets the number of enabled device slots (1-255).
func WithMaxSlots(n int) Option {
	return func(c *Config) error {
		if n < 1 || n > 255 {
			return errors.Wrapf(pkg.ErrInvalidParameter, "max slots %d", n)
		}
		c.MaxSlots = uint8(n)
		return nil
	}
}

// WithMaxPorts sets the number of root hub ports (1-255).
func WithMaxPorts(n int) Option {
	return func(c *Config) error {
		if n < 1 || n > 255 {
			return errors.Wrapf(pkg.ErrInvalidParameter, "max ports %d", n)
		}
		c.MaxPorts = uint8(n)
		return nil
	}
}

// WithCommandRingSize sets the command ring size in TRBs.
func WithCommandRingSize(n int) Option {
	return func(c *Config) error {
		if err := ringSizeValid(n, 2); err != nil {
			return err
		}
		c.CommandRingSize = n
		return nil
	}
}

// WithEventRingSize sets the event ring segment size in TRBs.
func WithEventRingSize(n int) Option {
	return func(c *Config) error {
		if err := ringSizeValid(n, 16); err != nil {
			return err
		}
		c.EventRingSize = n
		return nil
	}
}

// WithTransferRingSize sets the size of each transfer ring in TRBs. A
// control transfer needs up to three slots.
func WithTransferRingSize(n int) Option {
	return func(c *Config) error {
		if err := ringSizeValid(n, 4); err != nil {
			return err
		}
		c.TransferRingSize = n
		return nil
	}
}

// WithClassRegistry sets the class-driver registry.
func WithClassRegistry(r *usb.Registry) Option {
	return func(c *Config) error {
		c.Registry = r
		return nil
	}
}

// WithRegisterer sets the prometheus registerer for controller metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) error {
		c.Registerer = reg
		return nil
	}
}

// WithDeviceInitializedHook sets the callback run when a device finishes
// enumeration.
func WithDeviceInitializedHook(fn func(d *Device)) Option {
	return func(c *Config) error {
		c.OnDeviceInitialized = fn
		return nil
	}
}
