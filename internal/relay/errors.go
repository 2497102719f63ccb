package relay

import "errors"

// Transport-related errors
var (
	ErrTransportClosed = errors.New("relay transport closed")
)
