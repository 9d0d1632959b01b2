// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken covers unparseable, forged and expired reconnect tokens.
var ErrInvalidToken = errors.New("invalid or expired reconnect token")

// DefaultTokenTTL is how long a reconnect token stays valid after issuance.
const DefaultTokenTTL = 30 * time.Minute

// ReconnectClaims identifies a player slot in a room.
type ReconnectClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies reconnect tokens with an ed25519 key pair.
// The token is opaque to clients; the server additionally checks the token
// ID against the session store so tokens can be revoked and rotated.
type TokenIssuer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenIssuer generates a fresh key pair at runtime. Tokens do not survive a
// restart with this issuer.
func NewTokenIssuer(ttl time.Duration) (*TokenIssuer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return newIssuer(priv, pub, ttl), nil
}

// NewTokenIssuerFromFile reads an ed25519 private key (raw 64-byte key or
// 32-byte seed) so tokens stay valid across restarts.
func NewTokenIssuerFromFile(path string, ttl time.Duration) (*TokenIssuer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(data) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(data)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(data)
	default:
		return nil, fmt.Errorf("private key file %s has unexpected length %d", path, len(data))
	}
	return newIssuer(priv, priv.Public().(ed25519.PublicKey), ttl), nil
}

func newIssuer(priv ed25519.PrivateKey, pub ed25519.PublicKey, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{privateKey: priv, publicKey: pub, ttl: ttl, now: time.Now}
}

// SetClock overrides the issuer's time source.
func (ti *TokenIssuer) SetClock(now func() time.Time) {
	ti.now = now
}

// TTL is the validity window of freshly minted tokens.
func (ti *TokenIssuer) TTL() time.Duration {
	return ti.ttl
}

// Mint creates a signed token for playerID in roomCode and returns it with its
// token ID.
func (ti *TokenIssuer) Mint(roomCode, playerID string) (token string, tokenID string, err error) {
	now := ti.now()
	tokenID = uuid.NewString()
	claims := ReconnectClaims{
		Room: roomCode,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   playerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token, err = t.SignedString(ti.privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign reconnect token: %w", err)
	}
	return token, tokenID, nil
}

// Verify checks signature and expiry and returns the claims.
func (ti *TokenIssuer) Verify(token string) (*ReconnectClaims, error) {
	claims := &ReconnectClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.publicKey, nil
	}, jwt.WithTimeFunc(ti.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !t.Valid || claims.ID == "" || claims.Subject == "" || claims.Room == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
