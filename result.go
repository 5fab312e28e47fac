// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

// Result is the outcome code carried in the extra_data field of
// response packets and delivered to request continuations.
//
// The zero value is [ResultOk]. All other values describe why an
// operation did not complete normally. Results travel on the wire as
// big-endian u32 values; their numeric values are stable.
type Result uint32

const (
	// ResultOk means the operation completed.
	ResultOk Result = iota

	// ResultUnknown is the default outcome when a request handler
	// returns without calling [*RequestContext.SetResponse].
	ResultUnknown

	// ResultInvalidParameter means the request referenced an entity
	// or value the receiver does not know about.
	ResultInvalidParameter

	// ResultInvalidState means the receiver cannot serve the request
	// in its current state.
	ResultInvalidState

	// ResultExisted means an attach was attempted for a peer that
	// already has an attached entity of that kind.
	ResultExisted

	// ResultNotFound means the requested item does not exist.
	ResultNotFound

	// ResultTimeout means a connect attempt timed out, or that the
	// peer disconnected while a request was outstanding.
	ResultTimeout

	// ResultDeserializeError means the receiver failed to parse the
	// request payload.
	ResultDeserializeError
)

// String implements [fmt.Stringer].
func (r Result) String() string {
	switch r {
	case ResultOk:
		return "ok"
	case ResultUnknown:
		return "unknown"
	case ResultInvalidParameter:
		return "invalidParameter"
	case ResultInvalidState:
		return "invalidState"
	case ResultExisted:
		return "existed"
	case ResultNotFound:
		return "notFound"
	case ResultTimeout:
		return "timeout"
	case ResultDeserializeError:
		return "deserializeError"
	default:
		return "invalid"
	}
}
