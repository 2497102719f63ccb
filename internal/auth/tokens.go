package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"classbridge/pkg/interfaces"
)

// Service mints and verifies the two independent token kinds: device tokens
// for student hardware and user tokens for teaching staff. Each kind has its
// own secret and lifetime so compromising one population never exposes the
// other.
type Service struct {
	deviceSecret   []byte
	userSecret     []byte
	deviceLifetime time.Duration
	userLifetime   time.Duration
}

// NewService creates a token service. Secrets must be non-empty and
// distinct per deployment.
func NewService(deviceSecret, userSecret []byte, deviceLifetime, userLifetime time.Duration) *Service {
	return &Service{
		deviceSecret:   deviceSecret,
		userSecret:     userSecret,
		deviceLifetime: deviceLifetime,
		userLifetime:   userLifetime,
	}
}

// deviceTokenClaims is the wire shape of a device token.
type deviceTokenClaims struct {
	TenantID  string `json:"tenantId"`
	DeviceID  string `json:"deviceId"`
	StudentID string `json:"studentId,omitempty"`
	jwt.RegisteredClaims
}

// userTokenClaims is the wire shape of a staff user token. Roles and
// Tenants are the authorization source of truth; the client's declared
// role is validated against them, never trusted directly.
type userTokenClaims struct {
	UserID  string   `json:"userId"`
	Roles   []string `json:"roles"`
	Tenants []string `json:"tenants"`
	jwt.RegisteredClaims
}

// MintDeviceToken issues a fresh signed device token.
func (s *Service) MintDeviceToken(claims interfaces.DeviceClaims) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, deviceTokenClaims{
		TenantID:  claims.TenantID,
		DeviceID:  claims.DeviceID,
		StudentID: claims.StudentID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.deviceLifetime)),
		},
	})
	return token.SignedString(s.deviceSecret)
}

// VerifyDeviceToken checks signature and expiry of a device token.
// An expired token is reported distinctly so the client can be told to
// re-register instead of retrying a dead credential.
func (s *Service) VerifyDeviceToken(tokenString string) (*interfaces.DeviceClaims, error) {
	var claims deviceTokenClaims
	if err := s.parse(tokenString, &claims, s.deviceSecret); err != nil {
		return nil, err
	}
	if claims.TenantID == "" || claims.DeviceID == "" {
		return nil, interfaces.ErrTokenInvalid
	}
	return &interfaces.DeviceClaims{
		TenantID:  claims.TenantID,
		DeviceID:  claims.DeviceID,
		StudentID: claims.StudentID,
	}, nil
}

// MintUserToken issues a fresh signed staff token.
func (s *Service) MintUserToken(claims interfaces.UserClaims) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, userTokenClaims{
		UserID:  claims.UserID,
		Roles:   claims.Roles,
		Tenants: claims.Tenants,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.userLifetime)),
		},
	})
	return token.SignedString(s.userSecret)
}

// VerifyUserToken checks signature and expiry of a staff token.
func (s *Service) VerifyUserToken(tokenString string) (*interfaces.UserClaims, error) {
	var claims userTokenClaims
	if err := s.parse(tokenString, &claims, s.userSecret); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, interfaces.ErrTokenInvalid
	}
	return &interfaces.UserClaims{
		UserID:  claims.UserID,
		Roles:   claims.Roles,
		Tenants: claims.Tenants,
	}, nil
}

// parse runs signature and registered-claim validation with the given
// secret, collapsing every failure except expiry into ErrTokenInvalid.
// TECHNICAL DISCOVERY: jwt v5 wraps expiry inside a joined error, so the
// check must use errors.Is rather than direct comparison
func (s *Service) parse(tokenString string, claims jwt.Claims, secret []byte) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, interfaces.ErrTokenInvalid
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return interfaces.ErrTokenExpired
		}
		return interfaces.ErrTokenInvalid
	}
	if !token.Valid {
		return interfaces.ErrTokenInvalid
	}
	return nil
}
