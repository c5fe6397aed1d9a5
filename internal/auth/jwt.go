package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sevans717/aphila-sub008/pkg/interfaces"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

// ErrSecretRequired is returned when a verifier is built without a key
var ErrSecretRequired = errors.New("jwt secret is required")

// Claims carried by realtime access tokens. Subject is the user id.
type Claims struct {
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed access tokens and issues development tokens.
// It satisfies interfaces.TokenVerifier.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier builds a verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}, nil
}

// Verify parses token and returns the identity it grants
func (v *Verifier) Verify(token string) (*types.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, interfaces.ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithTimeFunc(v.now)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, interfaces.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, interfaces.ErrInvalidToken
	}
	if !types.IsValidUserID(claims.Subject) {
		return nil, fmt.Errorf("%w: invalid subject", interfaces.ErrInvalidToken)
	}
	if claims.DeviceID != "" && !types.IsValidDeviceID(claims.DeviceID) {
		return nil, fmt.Errorf("%w: invalid device id", interfaces.ErrInvalidToken)
	}

	identity := &types.Identity{
		UserID:   claims.Subject,
		DeviceID: claims.DeviceID,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// Issue signs a token for userID. A non-positive ttl yields a token without expiry.
func (v *Verifier) Issue(userID, deviceID string, ttl time.Duration) (string, error) {
	if !types.IsValidUserID(userID) {
		return "", types.ErrInvalidUserID
	}
	if deviceID != "" && !types.IsValidDeviceID(deviceID) {
		return "", types.ErrInvalidDeviceID
	}

	now := v.now()
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
