package config

import "errors"

// Sentinel errors for the configuration surface, mirroring the loader
// error taxonomy used elsewhere in this codebase.
var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidYAML    = errors.New("invalid yaml")
)
