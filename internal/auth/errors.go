package auth

import "errors"

// ErrNotAuthorized is returned when an operation needs a credential and the
// current client ID has never been authorized (no refresh token on record).
var ErrNotAuthorized = errors.New("no refresh token available for this client ID")

// AuthorizationError is returned when the token endpoint rejects an
// authorization or refresh request. Message carries the endpoint's
// error_description when one was provided.
type AuthorizationError struct {
	Message string
	Status  int
}

func (e *AuthorizationError) Error() string {
	return e.Message
}
