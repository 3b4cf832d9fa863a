package crawler

import "errors"

var (
	// ErrNotFound marks a permanently missing page.
	ErrNotFound = errors.New("not found")
	// ErrInvalidURL marks a locator that cannot be crawled.
	ErrInvalidURL = errors.New("invalid url")
	// ErrRateLimited is returned by a Completer when the service asks callers to slow down.
	ErrRateLimited = errors.New("rate limited")
	// ErrCredentialInvalid is returned by a Completer when its credential is permanently rejected.
	ErrCredentialInvalid = errors.New("credential invalid")
	// ErrCredentialsExhausted is fatal: no usable credential remains.
	ErrCredentialsExhausted = errors.New("all credentials exhausted")
	// ErrMalformedResponse marks model output that does not satisfy the expected schema.
	ErrMalformedResponse = errors.New("malformed response")
)
