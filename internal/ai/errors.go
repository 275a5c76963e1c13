package ai

import (
	"errors"
	"fmt"
	"time"
)

// Class is the category a failed remote call is sorted into.
type Class string

const (
	ClassTimeout     Class = "timeout"
	ClassRateLimited Class = "rate_limited"
	ClassNetwork     Class = "network"
	ClassOther       Class = "other"
)

var (
	ErrTimeout     = errors.New("remote call timed out")
	ErrRateLimited = errors.New("remote call rate limited")
	ErrNetwork     = errors.New("remote call network error")
	ErrOther       = errors.New("remote call failed")

	// ErrNoImage means the remote answered but neither response layout held an image.
	ErrNoImage = errors.New("no image returned from model response")
)

// Sentinel returns the error value that identifies the class.
func (c Class) Sentinel() error {
	switch c {
	case ClassTimeout:
		return ErrTimeout
	case ClassRateLimited:
		return ErrRateLimited
	case ClassNetwork:
		return ErrNetwork
	default:
		return ErrOther
	}
}

// CallError is the final failure of Invoke after every attempt was used.
// errors.Is matches both the class sentinel and the last underlying error.
type CallError struct {
	Class    Class
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *CallError) Error() string {
	secs := e.Elapsed.Seconds()
	switch e.Class {
	case ClassTimeout:
		return fmt.Sprintf("request timed out after %.1fs (%d attempts). Last error: %v", secs, e.Attempts, e.Err)
	case ClassRateLimited:
		return fmt.Sprintf("rate limit exceeded after %.1fs (%d attempts). Please wait before retrying. Last error: %v", secs, e.Attempts, e.Err)
	case ClassNetwork:
		return fmt.Sprintf("network error after %.1fs (%d attempts). Last error: %v", secs, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("failed after %d attempts. Last error after %.1fs: %v", e.Attempts, secs, e.Err)
	}
}

func (e *CallError) Unwrap() []error {
	return []error{e.Class.Sentinel(), e.Err}
}
