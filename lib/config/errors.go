package config

import "errors"

var (
	ErrConfigParse        = errors.New("configuration parse error")
	ErrNoProviders        = errors.New("no plugin providers configured")
	ErrUnknownKind        = errors.New("unknown provider kind")
	ErrDuplicateProvider  = errors.New("duplicate provider name")
	ErrMissingSearchPaths = errors.New("provider has no search paths")
	ErrInvalidMaxDepth    = errors.New("invalid max depth")
)
