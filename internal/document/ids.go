package document

import "github.com/google/uuid"

// NewID returns a client-generated, globally unique entity id.
func NewID() string {
	return uuid.NewString()
}

// ValidID accepts any non-empty id. Ids created elsewhere (older clients,
// imports) are not required to be UUIDs.
func ValidID(id string) bool {
	return id != "" && len(id) <= 128
}
