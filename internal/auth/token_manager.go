package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/syncstore/internal/ics"
	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 12 * time.Hour

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingUserClaim     = errors.New("user_id claim must be provided")
)

// TokenManagerConfig configures the HS256 bearer-token manager.
type TokenManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenManager issues and validates the bearer tokens that carry a caller's
// identity and permission context.
type TokenManager struct {
	config TokenManagerConfig
	clock  func() time.Time
}

// callerClaims is the JWT payload: registered claims plus the explicit
// per-call identity the synchronization core requires.
type callerClaims struct {
	jwt.RegisteredClaims
	UserID     string `json:"user_id"`
	CompanyID  uint32 `json:"company_id"`
	AdminLevel int    `json:"admin_level"`
}

// NewTokenManager constructs a TokenManager with sane defaults.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		config: TokenManagerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueToken produces a signed JWT and its expiry (seconds) for the caller.
func (m *TokenManager) IssueToken(caller ics.Caller) (string, int64, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if caller.UserID == "" {
		return "", 0, errMissingUserClaim
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.config.TokenTTL).UTC()

	claims := callerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.UserID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:     caller.UserID,
		CompanyID:  caller.CompanyID,
		AdminLevel: caller.AdminLevel,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the bearer token is well formed and returns the
// caller it identifies.
func (m *TokenManager) ValidateToken(tokenString string) (ics.Caller, error) {
	if len(m.config.SigningSecret) == 0 {
		return ics.Caller{}, errMissingSigningSecret
	}

	claims := &callerClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return m.config.SigningSecret, nil
		},
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return ics.Caller{}, err
	}
	if claims.UserID == "" {
		return ics.Caller{}, errMissingUserClaim
	}
	return ics.Caller{
		UserID:     claims.UserID,
		CompanyID:  claims.CompanyID,
		AdminLevel: claims.AdminLevel,
	}, nil
}
