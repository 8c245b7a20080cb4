package core

import "errors"

// Error kinds surfaced by the sync engine. Callers match them with errors.Is;
// the concrete cause is wrapped behind each one.
var (
	ErrAuth             = errors.New("authentication failed")
	ErrStorage          = errors.New("cache storage unavailable")
	ErrNoData           = errors.New("no data")
	ErrParsing          = errors.New("parse failed")
	ErrStream           = errors.New("stream failed")
	ErrNetwork          = errors.New("network failure")
	ErrNotAuthenticated = errors.New("client is not initialized")
)
