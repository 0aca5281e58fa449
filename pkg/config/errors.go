package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration failures.
var (
	ErrInvalidYAML  = errors.New("invalid YAML syntax")
	ErrInvalidValue = errors.New("invalid field value")
)

// LoadError carries the file path alongside the underlying failure so
// startup logs say which config file broke.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
