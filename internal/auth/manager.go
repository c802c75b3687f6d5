// Package auth guards the control API: callers trade the configured API
// key for a short-lived HS256 JWT and present either one on requests.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ScopeControl allows every control API operation.
const ScopeControl = "autorun:control"

const issuer = "autorund"

var (
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrNoAPIKey      = errors.New("no API key configured")
)

// Claims are the JWT claims issued by the daemon.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenRequest is the body of POST /api/v1/auth/token.
type TokenRequest struct {
	APIKey string `json:"api_key"`
}

// TokenResponse carries an issued token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresIn int64     `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager issues and validates tokens.
type Manager struct {
	jwtSecret  []byte
	apiKeyHash []byte
	tokenTTL   time.Duration
	now        func() time.Time
}

// NewManager creates an auth manager. An empty jwtSecret is replaced by
// a random one, so tokens do not survive a restart.
func NewManager(jwtSecret, apiKeyHash string, tokenTTL time.Duration) *Manager {
	if jwtSecret == "" {
		jwtSecret = generateRandomSecret(32)
		log.Printf("[Auth] Generated random JWT secret for session (not persistent)")
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Manager{
		jwtSecret:  []byte(jwtSecret),
		apiKeyHash: []byte(apiKeyHash),
		tokenTTL:   tokenTTL,
		now:        time.Now,
	}
}

// HashAPIKey returns the bcrypt hash to put in the configuration.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckAPIKey verifies key against the configured hash.
func (m *Manager) CheckAPIKey(key string) error {
	if len(m.apiKeyHash) == 0 {
		return ErrNoAPIKey
	}
	if err := bcrypt.CompareHashAndPassword(m.apiKeyHash, []byte(key)); err != nil {
		return ErrInvalidAPIKey
	}
	return nil
}

// IssueToken exchanges a valid API key for a JWT.
func (m *Manager) IssueToken(apiKey string) (*TokenResponse, error) {
	if err := m.CheckAPIKey(apiKey); err != nil {
		return nil, err
	}

	now := m.now()
	expiresAt := now.Add(m.tokenTTL)
	claims := &Claims{
		Scope: ScopeControl,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   "api-key",
			ID:        generateRandomSecret(8),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &TokenResponse{
		Token:     signed,
		ExpiresIn: int64(m.tokenTTL.Seconds()),
		ExpiresAt: expiresAt,
	}, nil
}

// ValidateToken validates a JWT and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Scope != ScopeControl {
		return nil, fmt.Errorf("invalid token: missing scope %s", ScopeControl)
	}
	return claims, nil
}

func generateRandomSecret(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", b)
}
