package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Claims carries the identity the authentication service embedded in a token.
type Claims struct {
	UserID   int64
	Username string
}

// tokenClaims mirrors the wire payload minted by the auth service: the
// username travels in the registered subject, the user id in a custom "id"
// claim that may arrive as a number or a numeric string.
type tokenClaims struct {
	ID any `json:"id"`
	jwt.RegisteredClaims
}

// Verifier validates compact HS256 tokens against the shared signing secret.
// It holds no per-connection state and is safe for unbounded concurrent use.
type Verifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewVerifier(secret string, leeway time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Verifier{secret: []byte(secret), leeway: leeway, now: time.Now}, nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *Verifier) WithClock(clock func() time.Time) {
	if v != nil && clock != nil {
		v.now = clock
	}
}

// Validate parses the token, checks signature and expiry, and returns the
// embedded identity. Failures are reported as errors wrapping ErrInvalidToken
// or ErrExpiredToken, never as panics.
func (v *Verifier) Validate(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.Count(token, ".") != 2 {
		return nil, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(token, &tokenClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	username := strings.TrimSpace(claims.Subject)
	if username == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	userID, err := coerceUserID(claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &Claims{UserID: userID, Username: username}, nil
}

func coerceUserID(raw any) (int64, error) {
	switch value := raw.(type) {
	case float64:
		return int64(value), nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("id claim %q is not numeric", value)
		}
		return id, nil
	case nil:
		return 0, errors.New("missing id claim")
	default:
		return 0, fmt.Errorf("unsupported id claim type %T", raw)
	}
}
