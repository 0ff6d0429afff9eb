package sentinel

import "errors"

var (
	// ErrDuplicateEndpoint is returned when an endpoint URL is already
	// registered.
	ErrDuplicateEndpoint = errors.New("sentinel: duplicate endpoint URL")

	// ErrUnknownStrategy is returned for a listing strategy outside the
	// fixed set.
	ErrUnknownStrategy = errors.New("sentinel: unknown listing strategy")

	// ErrEndpointNotFound is returned by operations on a missing endpoint.
	ErrEndpointNotFound = errors.New("sentinel: endpoint not found")

	// ErrBlockedURL is returned when a URL fails pre-fetch validation.
	ErrBlockedURL = errors.New("sentinel: URL blocked")
)
