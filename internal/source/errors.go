package source

import "fmt"

// AuthenticationError is returned when a bearer token cannot be obtained and
// no unexpired cached token remains to fall back on. It aborts the run for
// the whole scope rather than a single record.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// TransientFetchError is returned when a request kept failing with network
// errors or server errors after the full retry schedule was exhausted.
// Attempts counts every call made, including the first.
type TransientFetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch of %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// RequestError is a non-retryable rejection from the source API (a 4xx other
// than 401 and 429). Retrying would produce the same answer.
type RequestError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request to %s rejected with status %d", e.URL, e.StatusCode)
}
