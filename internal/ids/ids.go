package ids

import (
	"log"

	"github.com/google/uuid"
)

// New returns a random identifier for a chat or message. It is generated without
// consulting the store, so it can be used as a key before any round-trip.
func New() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}
	log.Printf("[IDs] random source unavailable, falling back to time-based uuid: %v", err)

	// v1 only needs randomness once per process for the clock sequence.
	id, err = uuid.NewUUID()
	if err != nil {
		panic("ids: no usable uuid source: " + err.Error())
	}
	return id.String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
