package connectors

import "fmt"

// ConnectionError is an authentication or network failure talking to a platform
type ConnectionError struct {
	Platform string
	Status   int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s connection failed (status %d): %v", e.Platform, e.Status, e.Err)
	}
	return fmt.Sprintf("%s connection failed: %v", e.Platform, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PartialFetchError is a failed sub-resource fetch. Connectors log it and omit the subset.
type PartialFetchError struct {
	Platform string
	Resource string
	ID       string
	Err      error
}

func (e *PartialFetchError) Error() string {
	return fmt.Sprintf("%s: fetching %s for %s: %v", e.Platform, e.Resource, e.ID, e.Err)
}

func (e *PartialFetchError) Unwrap() error { return e.Err }

// UnsupportedPlatformError is returned by the registry for an unknown platform id
type UnsupportedPlatformError struct {
	Platform string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform: %q", e.Platform)
}
