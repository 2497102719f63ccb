package interfaces

// Connection is the registry's view of one live socket.
// ARCHITECTURAL DISCOVERY: The registry never touches the transport directly;
// it holds index entries keyed by this interface so tests can substitute
// in-memory connections for real WebSockets
type Connection interface {
	// SendJSON queues v for delivery on the socket's single writer.
	// A send to a closed socket returns an error and is skipped by callers;
	// it is never fatal.
	SendJSON(v interface{}) error

	// Close tears down the socket. Idempotent.
	Close() error

	// IsClosed reports whether the socket has been torn down.
	IsClosed() bool

	// Identity accessors, valid only after authentication.
	Role() string
	TenantID() string
	DeviceID() string // student connections only
	UserID() string   // staff connections only
	IsAuthenticated() bool
}
