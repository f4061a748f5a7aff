package httputil

import (
	"io"
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second
const MaxResponseBody = 16 << 20 // 16 MiB, media segments can be large

// NewSessionClient returns the HTTP client used as the API transport session.
// Redirects are disabled: the camera API requires auth headers to survive a
// redirect hop, so the fetch pipeline re-issues redirected requests itself.
func NewSessionClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// DrainBody ensures the connection can be reused for keep-alive.
func DrainBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// Truncate converts a byte slice to string and truncates to maxRunes runes,
// appending "..." if truncated.
func Truncate(b []byte, maxRunes int) string {
	r := []rune(string(b))
	if len(r) > maxRunes {
		return string(r[:maxRunes]) + "..."
	}
	return string(r)
}
