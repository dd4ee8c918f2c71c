package memory

import "github.com/google/uuid"

// UUIDGenerator implements ports.IDGenerator with random UUIDv4s (I1:
// collision probability negligible).
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }
