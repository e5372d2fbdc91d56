package provider

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("object not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")
)

// ProviderError adds the operation and location to a backend error.
type ProviderError struct {
	Op       string
	Provider ProviderType
	Bucket   string
	Key      string
	Err      error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Key != "" && e.Bucket != "":
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Bucket, e.Key, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsAccessDenied(err error) bool { return errors.Is(err, ErrAccessDenied) }

func IsThrottled(err error) bool { return errors.Is(err, ErrThrottled) }
