package interfaces

// DeviceClaims are the verified contents of a device token.
type DeviceClaims struct {
	TenantID  string
	DeviceID  string
	StudentID string
}

// UserClaims are the verified contents of a staff user token.
// Roles and Tenants are the source of truth for authorization; the
// client-declared role is only a request validated against them.
type UserClaims struct {
	UserID  string
	Roles   []string
	Tenants []string
}

// TokenVerifier mints and verifies the two independent token kinds, each
// with its own secret and expiry.
type TokenVerifier interface {
	// MintDeviceToken issues a fresh signed device token.
	MintDeviceToken(claims DeviceClaims) (string, error)

	// VerifyDeviceToken checks signature and expiry. Returns
	// ErrTokenExpired for expired tokens (the client must re-register)
	// and ErrTokenInvalid for everything else.
	VerifyDeviceToken(token string) (*DeviceClaims, error)

	// MintUserToken issues a fresh signed user token.
	MintUserToken(claims UserClaims) (string, error)

	// VerifyUserToken checks signature and expiry of a staff token.
	VerifyUserToken(token string) (*UserClaims, error)
}
