package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	ErrTokenFormat  = errors.ConstError("invalid session token format")
	ErrTokenInvalid = errors.ConstError("invalid session token")
	ErrTokenExpired = errors.ConstError("session token expired")
	ErrTokenConfig  = errors.ConstError("invalid session token configuration")
)

// maxTokenLen bounds how much untrusted input Open will decode.
const maxTokenLen = 8192

// DefaultAEADKeysize is the key size for the default AEAD
// (XChaCha20-Poly1305).
const DefaultAEADKeysize = chacha20poly1305.KeySize

// Claims is the payload sealed into a session token.
type Claims struct {
	Subject   string    `cbor:"1,keyasint"`
	SessionID string    `cbor:"2,keyasint,omitempty"`
	Expires   time.Time `cbor:"3,keyasint"`
}

// TokenCodec seals and opens session tokens.
//
// Format: [keyID] "." base64url(nonce || AEAD.Seal(claims))
//
// The claims are CBOR-encoded. Keys holds every accepted key; KeyID selects
// the one used for sealing, so keys can be rotated by adding a new key,
// switching KeyID, and dropping the old key once its tokens have expired.
type TokenCodec struct {
	keyID    string
	keys     map[string][]byte
	newAEAD  func(key []byte) (cipher.AEAD, error)
	audience string
	clock    clock.Clock
}

// TokenOption configures a TokenCodec.
type TokenOption func(*TokenCodec)

// WithAEAD replaces the default XChaCha20-Poly1305 AEAD (e.g. with AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) TokenOption {
	return func(tc *TokenCodec) {
		tc.newAEAD = f
	}
}

// WithAudience binds tokens to audience as additional authenticated data.
// Tokens sealed for one audience do not open under another.
func WithAudience(audience string) TokenOption {
	return func(tc *TokenCodec) {
		tc.audience = audience
	}
}

// WithClock sets the clock used for expiry checks.
func WithClock(clk clock.Clock) TokenOption {
	return func(tc *TokenCodec) {
		tc.clock = clk
	}
}

// NewTokenCodec creates a codec sealing with keys[keyID].
func NewTokenCodec(keyID string, keys map[string][]byte, opts ...TokenOption) (*TokenCodec, error) {
	tc := &TokenCodec{
		keyID:   keyID,
		keys:    keys,
		newAEAD: chacha20poly1305.NewX,
		clock:   clock.WallClock,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if len(keys) == 0 {
		return nil, errors.Annotate(ErrTokenConfig, "no keys")
	}
	if _, ok := keys[keyID]; !ok {
		return nil, errors.Annotatef(ErrTokenConfig, "key %q not found", keyID)
	}
	if tc.newAEAD == nil || tc.clock == nil {
		return nil, errors.Annotate(ErrTokenConfig, "nil AEAD or clock")
	}
	for id, k := range keys {
		if _, err := tc.newAEAD(k); err != nil {
			return nil, errors.Annotatef(ErrTokenConfig, "key %q: %v", id, err)
		}
	}
	return tc, nil
}

// Issue seals claims for subject valid for ttl from now.
func (tc *TokenCodec) Issue(subject, sessionID string, ttl time.Duration) (string, error) {
	return tc.Seal(Claims{
		Subject:   subject,
		SessionID: sessionID,
		Expires:   tc.clock.Now().Add(ttl).UTC(),
	})
}

// Seal encodes and encrypts claims.
func (tc *TokenCodec) Seal(claims Claims) (string, error) {
	plain, err := cbor.Marshal(claims)
	if err != nil {
		return "", errors.Annotate(err, "encoding claims")
	}
	aead, err := tc.newAEAD(tc.keys[tc.keyID])
	if err != nil {
		return "", errors.Trace(err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Trace(err)
	}
	sealed := aead.Seal(nonce, nonce, plain, []byte(tc.audience))
	return tc.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts token and returns its claims. Expired tokens fail with
// ErrTokenExpired.
func (tc *TokenCodec) Open(token string) (Claims, error) {
	if len(token) == 0 || len(token) > maxTokenLen {
		return Claims{}, errors.Trace(ErrTokenFormat)
	}
	keyID, encoded, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || encoded == "" {
		return Claims{}, errors.Trace(ErrTokenFormat)
	}
	key, ok := tc.keys[keyID]
	if !ok {
		return Claims{}, errors.Annotatef(ErrTokenInvalid, "unknown key %q", keyID)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, errors.Trace(ErrTokenFormat)
	}
	aead, err := tc.newAEAD(key)
	if err != nil {
		return Claims{}, errors.Trace(err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return Claims{}, errors.Trace(ErrTokenFormat)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(tc.audience))
	if err != nil {
		return Claims{}, errors.Trace(ErrTokenInvalid)
	}

	var claims Claims
	if err := cbor.Unmarshal(plain, &claims); err != nil {
		return Claims{}, errors.Annotatef(ErrTokenInvalid, "claims: %v", err)
	}
	if !claims.Expires.IsZero() && !tc.clock.Now().Before(claims.Expires) {
		return Claims{}, errors.Trace(ErrTokenExpired)
	}
	return claims, nil
}
