package contracts

import "github.com/google/uuid"

// NewID returns a time-ordered UUIDv7 string. Decision and receipt ids are
// time-ordered so append-only stores never contend on key locality.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than surfacing an error on a pure id mint.
		return uuid.New().String()
	}
	return id.String()
}
