// Package auth provides token verification for the realtime handshake.
package auth

import "errors"

// Authentication error types. The transport layer maps ErrExpiredToken to a
// distinct close reason so clients know to refresh and reconnect instead of
// treating the failure as fatal.
var (
	// ErrInvalidToken is returned when a token is malformed, has a bad
	// signature, or fails validation for any reason other than expiry.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when a token's expiry has passed.
	ErrExpiredToken = errors.New("token expired")

	// ErrTokenNotYetValid is returned when a token's nbf claim is in the future.
	ErrTokenNotYetValid = errors.New("token not yet valid")

	// ErrMissingToken is returned when no token was supplied at all.
	ErrMissingToken = errors.New("missing token")
)
