package client

import (
	"errors"
	"fmt"

	"circlecam/internal/httputil"
)

// ErrTooManyRedirects bounds redirect re-signing. The API occasionally hops
// assets through 302s that need the auth headers re-attached; a chain longer
// than the cap is a broken or hostile endpoint.
var ErrTooManyRedirects = errors.New("redirect chain exceeded limit")

// StatusError is returned for any non-2xx response the pipeline does not
// handle itself (redirects, 401 refresh). Status and body are surfaced intact.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("api returned status %d", e.Status)
	}
	return fmt.Sprintf("api returned status %d: %s", e.Status, httputil.Truncate(e.Body, 200))
}
