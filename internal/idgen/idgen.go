// Package idgen wraps the UUID generator so that it can be stubbed in tests.
// It lives under `internal` because callers should not rely on its exact
// behaviour or API – they should treat identifiers as opaque strings.
package idgen

import "github.com/google/uuid"

// NewFunc returns a new globally unique identifier as string. It is
// implemented as a variable so tests can stub it.
var NewFunc = func() string { return uuid.New().String() }

// New returns a new identifier.
func New() string { return NewFunc() }
