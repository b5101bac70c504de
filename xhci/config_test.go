package xhci

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, uint8(DefaultMaxSlots), cfg.MaxSlots)
	assert.Equal(t, uint8(DefaultMaxPorts), cfg.MaxPorts)
	assert.Equal(t, DefaultCommandRingSize, cfg.CommandRingSize)
	assert.Equal(t, DefaultEventRingSize, cfg.EventRingSize)
	assert.Equal(t, DefaultTransferRingSize, cfg.TransferRingSize)
	assert.Nil(t, cfg.Registry)
	assert.Nil(t, cfg.Registerer)
}

func TestOptions(t *testing.T) {
	reg := usb.NewRegistry()
	called := false

	cfg := DefaultConfig()
	for _, opt := range []Option{
		WithMaxSlots(16),
		WithMaxPorts(2),
		WithCommandRingSize(64),
		WithEventRingSize(128),
		WithTransferRingSize(16),
		WithClassRegistry(reg),
		WithRegisterer(prometheus.NewRegistry()),
		WithDeviceInitializedHook(func(*Device) { called = true }),
	} {
		require.NoError(t, opt(&cfg))
	}

	assert.Equal(t, uint8(16), cfg.MaxSlots)
	assert.Equal(t, uint8(2), cfg.MaxPorts)
	assert.Equal(t, 64, cfg.CommandRingSize)
	assert.Equal(t, 128, cfg.EventRingSize)
	assert.Equal(t, 16, cfg.TransferRingSize)
	assert.Same(t, reg, cfg.Registry)
	assert.NotNil(t, cfg.Registerer)

	cfg.OnDeviceInitialized(nil)
	assert.True(t, called)
}

func TestOptions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero slots", WithMaxSlots(0)},
		{"too many slots", WithMaxSlots(256)},
		{"zero ports", WithMaxPorts(0)},
		{"command ring too small", WithCommandRingSize(1)},
		{"event ring too small", WithEventRingSize(8)},
		{"transfer ring too small", WithTransferRingSize(3)},
		{"ring too large", WithTransferRingSize(MaxRingSize + 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			assert.ErrorIs(t, tt.opt(&cfg), pkg.ErrInvalidParameter)
		})
	}
}

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.events.WithLabelValues("transfer event").Inc()
	m.events.WithLabelValues("transfer event").Inc()
	m.devicesInitialized.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), values["xhci_events_total"])
	assert.Equal(t, float64(1), values["xhci_devices_initialized"])

	// Unregistered metrics still count.
	assert.NotPanics(t, func() { NewMetrics(nil).commands.WithLabelValues("no-op").Inc() })
}
