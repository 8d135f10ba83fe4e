package actiontoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretBytes is the smallest accepted signing secret.
	MinSecretBytes = 32

	version    = "v1"
	nonceBytes = 16
	hkdfInfo   = "sequelwatch action token v1"
)

// Token is a decoded action token.
type Token struct {
	NotificationID string
	ExpiresAt      time.Time
	Nonce          string
	Signature      string
}

// Encode renders the wire form.
func (t Token) Encode() string {
	return strings.Join([]string{
		version,
		t.NotificationID,
		strconv.FormatInt(t.ExpiresAt.Unix(), 10),
		t.Nonce,
		t.Signature,
	}, ".")
}

// Decode parses the wire form without checking the signature.
func Decode(raw string) (Token, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 5 || parts[0] != version {
		return Token{}, ErrInvalidToken
	}
	if parts[1] == "" || !isHex(parts[3], nonceBytes) || !isHex(parts[4], sha256.Size) {
		return Token{}, ErrInvalidToken
	}
	exp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || exp <= 0 {
		return Token{}, ErrInvalidToken
	}
	return Token{
		NotificationID: parts[1],
		ExpiresAt:      time.Unix(exp, 0).UTC(),
		Nonce:          parts[3],
		Signature:      parts[4],
	}, nil
}

func isHex(value string, size int) bool {
	if len(value) != size*2 {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}

// Signer issues and validates tokens. It holds only the derived key and is
// safe for concurrent use.
type Signer struct {
	key      []byte
	validity time.Duration
	now      func() time.Time
	rand     io.Reader
}

// Option customizes a Signer.
type Option func(*Signer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom overrides the nonce source.
func WithRandom(r io.Reader) Option {
	return func(s *Signer) {
		if r != nil {
			s.rand = r
		}
	}
}

// NewSigner derives a signing key from secret. Tokens expire after validity.
func NewSigner(secret string, validity time.Duration, opts ...Option) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < MinSecretBytes {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrSecretTooShort, MinSecretBytes)
	}
	if validity <= 0 {
		return nil, fmt.Errorf("token validity must be positive, got %s", validity)
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	s := &Signer{key: key, validity: validity, now: time.Now, rand: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Validity returns the configured token lifetime.
func (s *Signer) Validity() time.Duration {
	return s.validity
}

// Issue signs a token bound to (userID, notificationID).
func (s *Signer) Issue(userID, notificationID string) (Token, error) {
	userID = strings.TrimSpace(userID)
	notificationID = strings.TrimSpace(notificationID)
	if userID == "" || notificationID == "" || strings.Contains(notificationID, ".") {
		return Token{}, errors.New("issue token: user and notification IDs are required and must not contain '.'")
	}
	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return Token{}, fmt.Errorf("issue token: read nonce: %w", err)
	}
	tok := Token{
		NotificationID: notificationID,
		ExpiresAt:      s.now().Add(s.validity).UTC().Truncate(time.Second),
		Nonce:          hex.EncodeToString(nonce),
	}
	tok.Signature = hex.EncodeToString(s.sign(userID, tok))
	return tok, nil
}

// Verify decodes raw and checks it against userID. Every failure is reported
// as ErrInvalidToken.
func (s *Signer) Verify(raw, userID string) (Token, error) {
	tok, err := Decode(raw)
	if err != nil {
		return Token{}, ErrInvalidToken
	}
	if !s.verify(tok, strings.TrimSpace(userID)) {
		return Token{}, ErrInvalidToken
	}
	return tok, nil
}

// Validate reports whether raw is an unexpired token issued for userID.
func (s *Signer) Validate(raw, userID string) bool {
	_, err := s.Verify(raw, userID)
	return err == nil
}

func (s *Signer) verify(tok Token, userID string) bool {
	if userID == "" {
		return false
	}
	got, err := hex.DecodeString(tok.Signature)
	if err != nil {
		return false
	}
	if !hmac.Equal(got, s.sign(userID, tok)) {
		return false
	}
	return s.now().Before(tok.ExpiresAt)
}

func (s *Signer) sign(userID string, tok Token) []byte {
	mac := hmac.New(sha256.New, s.key)
	payload := strings.Join([]string{
		version,
		userID,
		tok.NotificationID,
		strconv.FormatInt(tok.ExpiresAt.Unix(), 10),
		tok.Nonce,
	}, "\x00")
	_, _ = mac.Write([]byte(payload))
	return mac.Sum(nil)
}
