package actiontoken

import "errors"

var (
	// ErrInvalidToken covers malformed, forged and expired tokens alike.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSecretTooShort is returned when the signing secret is below MinSecretBytes.
	ErrSecretTooShort = errors.New("token secret too short")
)
