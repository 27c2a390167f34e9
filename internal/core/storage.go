package core

import "context"

//go:generate mockgen -source=storage.go -destination=mocks/storage_mock.go -package=mocks

// Storage is the pluggable key-value store behind relay protocol persistence.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
