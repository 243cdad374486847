package messages

// Result is the synchronous outcome of an API call. Failures that happen
// after a call returned Ok are reported asynchronously as SessionFailed
// events; Ok therefore never implies delivery.
type Result int

const (
	Ok Result = iota
	// InvalidParameter: empty identity, oversized payload, or a channel id
	// out of range.
	InvalidParameter
	// NoConnection: the session is known broken and the caller did not ask
	// for an automatic restart.
	NoConnection
	// LimitExceeded: too many sessions.
	LimitExceeded
	// Busy: transient backpressure; the caller may retry.
	Busy
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case InvalidParameter:
		return "invalid-parameter"
	case NoConnection:
		return "no-connection"
	case LimitExceeded:
		return "limit-exceeded"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// Send flags bitmask for SendMessageToUser.
const (
	// SendUnreliable requests best-effort delivery: the message may be
	// dropped, duplicated, or reordered. Unset means reliable.
	SendUnreliable = 1 << 0
	// SendNoNagle asks for an immediate flush. The bundled transports
	// flush every frame, so this is accepted and has no further effect.
	SendNoNagle = 1 << 1
	// SendNoDelay skips local buffering: if the connection is not ready the
	// message is dropped instead of queued.
	SendNoDelay = 1 << 2
	// SendAutoRestartBrokenSession re-establishes a session that has
	// permanently failed instead of returning NoConnection.
	SendAutoRestartBrokenSession = 1 << 3
)
