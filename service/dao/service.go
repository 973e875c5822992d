package dao

import (
	"context"
)

// Service is the generic persistence boundary engine records go through.
// K is the record key type, T the record type.
type Service[K comparable, T any] interface {
	Save(ctx context.Context, t *T) error

	Load(ctx context.Context, id K) (*T, error)

	Delete(ctx context.Context, id K) error

	List(ctx context.Context, parameters ...*Parameter) ([]*T, error)
}

// VersionedService extends Service with the conditional write backing
// optimistic concurrency: the write succeeds only when the stored record
// still carries the expected version, and the version increment is atomic
// with the write (never a separate read-then-write).
type VersionedService[K comparable, T any] interface {
	Service[K, T]

	// SaveWithVersion persists t only if the stored version equals expected;
	// otherwise it returns ErrVersionConflict and leaves the store untouched.
	SaveWithVersion(ctx context.Context, t *T, expected int) error
}
