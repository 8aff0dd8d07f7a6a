package hubstaff

import "errors"

// Error kinds returned by Client and Refresher. Match with errors.Is.
var (
	// ErrNetwork covers transport failures, timeouts, unexpected statuses and
	// undecodable responses.
	ErrNetwork = errors.New("hubstaff: network error")

	// ErrAuth means the API rejected the access token (HTTP 401).
	ErrAuth = errors.New("hubstaff: access token rejected")

	// ErrNotFound means no organization matched the configured name.
	ErrNotFound = errors.New("hubstaff: organization not found")

	// ErrDiscovery means the token endpoint could not be discovered.
	ErrDiscovery = errors.New("hubstaff: token endpoint discovery failed")

	// ErrExchange means the refresh token could not be exchanged.
	ErrExchange = errors.New("hubstaff: token exchange failed")
)
