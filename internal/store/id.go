package store

import "github.com/google/uuid"

// IDProvider issues identifiers for conflicts, conflict events and the
// idempotency keys of resolution changes. Identifiers must be unique across
// devices because resolution changes travel through the relay.
type IDProvider interface {
	NewID() (string, error)
}

type uuidV7Provider struct{}

// NewUUIDProvider returns an IDProvider issuing UUIDv7 values, so identifiers
// created later on one device sort after earlier ones.
func NewUUIDProvider() IDProvider {
	return uuidV7Provider{}
}

func (uuidV7Provider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
