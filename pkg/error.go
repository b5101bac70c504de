package pkg

import "errors"

// Transport core errors.
var (
	// ErrAllocationFailed indicates a ring or context buffer could not be
	// obtained from the DMA allocator.
	ErrAllocationFailed = errors.New("allocation failed")

	// ErrInvalidDescriptor indicates a short or malformed USB descriptor.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrNoMatchingResponder indicates a completion arrived for a request
	// nobody is waiting on.
	ErrNoMatchingResponder = errors.New("no matching responder")

	// ErrWaiterTableFull indicates the per-device waiter table has no free slot.
	ErrWaiterTableFull = errors.New("waiter table full")

	// ErrWaiterExists indicates a request with the same setup packet is
	// already in flight.
	ErrWaiterExists = errors.New("waiter already registered")

	// ErrRingEmpty indicates a pop from an event ring with no valid front.
	ErrRingEmpty = errors.New("event ring empty")

	// ErrRingNotInitialized indicates use of a ring before Initialize.
	ErrRingNotInitialized = errors.New("ring not initialized")

	// ErrInvalidEndpoint indicates an invalid or unconfigured endpoint.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an operation invalid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoResources indicates a fixed-capacity table is exhausted.
	ErrNoResources = errors.New("no resources available")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrUnknownSlot indicates an event referenced a slot with no device.
	ErrUnknownSlot = errors.New("unknown slot")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTransferFailed indicates the controller reported a failed transfer.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrCommandFailed indicates the controller rejected a command.
	ErrCommandFailed = errors.New("command failed")
)

// CompletionCode is the xHCI completion code carried in bits 31:24 of the
// status dword of Transfer and Command Completion events.
type CompletionCode uint8

// Completion codes (xHCI 1.2, Table 6-90). Only the codes this core reacts
// to are named.
const (
	CompletionInvalid            CompletionCode = 0
	CompletionSuccess            CompletionCode = 1
	CompletionDataBufferError    CompletionCode = 2
	CompletionBabbleDetected     CompletionCode = 3
	CompletionUSBTransactionErr  CompletionCode = 4
	CompletionTRBError           CompletionCode = 5
	CompletionStallError         CompletionCode = 6
	CompletionResourceError      CompletionCode = 7
	CompletionNoSlotsAvailable   CompletionCode = 9
	CompletionSlotNotEnabled     CompletionCode = 11
	CompletionEndpointNotEnabled CompletionCode = 12
	CompletionShortPacket        CompletionCode = 13
	CompletionRingUnderrun       CompletionCode = 14
	CompletionRingOverrun        CompletionCode = 15
	CompletionParameterError     CompletionCode = 17
	CompletionContextStateError  CompletionCode = 19
	CompletionEventRingFull      CompletionCode = 21
)

// String returns a string representation of the completion code.
func (c CompletionCode) String() string {
	switch c {
	case CompletionInvalid:
		return "invalid"
	case CompletionSuccess:
		return "success"
	case CompletionDataBufferError:
		return "data buffer error"
	case CompletionBabbleDetected:
		return "babble detected"
	case CompletionUSBTransactionErr:
		return "usb transaction error"
	case CompletionTRBError:
		return "trb error"
	case CompletionStallError:
		return "stall"
	case CompletionResourceError:
		return "resource error"
	case CompletionNoSlotsAvailable:
		return "no slots available"
	case CompletionSlotNotEnabled:
		return "slot not enabled"
	case CompletionEndpointNotEnabled:
		return "endpoint not enabled"
	case CompletionShortPacket:
		return "short packet"
	case CompletionRingUnderrun:
		return "ring underrun"
	case CompletionRingOverrun:
		return "ring overrun"
	case CompletionParameterError:
		return "parameter error"
	case CompletionContextStateError:
		return "context state error"
	case CompletionEventRingFull:
		return "event ring full"
	default:
		return "unknown"
	}
}

// IsSuccess reports whether the code denotes a transfer that delivered data.
// A short packet is a successful completion with fewer bytes than requested.
func (c CompletionCode) IsSuccess() bool {
	return c == CompletionSuccess || c == CompletionShortPacket
}

// Error returns the corresponding error for the completion code, or nil for
// successful completions.
func (c CompletionCode) Error() error {
	switch {
	case c.IsSuccess():
		return nil
	case c == CompletionStallError:
		return ErrStall
	case c == CompletionNoSlotsAvailable, c == CompletionResourceError:
		return ErrNoResources
	case c == CompletionSlotNotEnabled, c == CompletionEndpointNotEnabled,
		c == CompletionContextStateError:
		return ErrInvalidState
	case c == CompletionParameterError, c == CompletionTRBError:
		return ErrInvalidParameter
	default:
		return ErrTransferFailed
	}
}
