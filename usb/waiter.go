package usb

import (
	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/pkg"
)

// MaxWaiters is the number of control requests a device tracks in flight.
// Enumeration plus a few concurrent class-driver requests never exceed it;
// running out is resource exhaustion, not silently dropped work.
const MaxWaiters = 4

// Responder receives the completion of a control request it issued.
type Responder interface {
	OnControlCompleted(ep EndpointID, setup SetupData, buf []byte) error
}

// FailureResponder is implemented by responders that want to know when a
// request they issued failed instead of completing.
type FailureResponder interface {
	OnControlFailed(ep EndpointID, setup SetupData, cause error) error
}

type waiter struct {
	setup     SetupData
	responder Responder
	used      bool
}

// WaiterTable is a fixed-capacity map from in-flight setup packet to the
// responder awaiting its completion. The zero value is an empty table.
type WaiterTable struct {
	entries [MaxWaiters]waiter
	count   int
}

// Put registers r as the waiter for setup. It fails with
// [pkg.ErrWaiterExists] if the same setup packet is already in flight and
// with [pkg.ErrWaiterTableFull] if every slot is taken; in both cases the
// table is unchanged.
func (w *WaiterTable) Put(setup SetupData, r Responder) error {
	free := -1
	for i := range w.entries {
		e := &w.entries[i]
		if !e.used {
			if free < 0 {
				free = i
			}
			continue
		}
		if e.setup == setup {
			return errors.Wrapf(pkg.ErrWaiterExists, "setup %v", setup)
		}
	}
	if free < 0 {
		return errors.Wrapf(pkg.ErrWaiterTableFull, "setup %v", setup)
	}
	w.entries[free] = waiter{setup: setup, responder: r, used: true}
	w.count++
	return nil
}

// Get returns the responder registered for setup.
func (w *WaiterTable) Get(setup SetupData) (Responder, bool) {
	for i := range w.entries {
		if e := &w.entries[i]; e.used && e.setup == setup {
			return e.responder, true
		}
	}
	return nil, false
}

// Delete removes the entry for setup and reports whether one existed.
func (w *WaiterTable) Delete(setup SetupData) bool {
	for i := range w.entries {
		if e := &w.entries[i]; e.used && e.setup == setup {
			*e = waiter{}
			w.count--
			return true
		}
	}
	return false
}

// DeleteResponder removes every entry registered for r and returns how many
// were removed.
func (w *WaiterTable) DeleteResponder(r Responder) int {
	n := 0
	for i := range w.entries {
		if e := &w.entries[i]; e.used && e.responder == r {
			*e = waiter{}
			w.count--
			n++
		}
	}
	return n
}

// Len returns the number of registered waiters.
func (w *WaiterTable) Len() int {
	return w.count
}
