// internal/domain/models/counter.go
package models

import "time"

// Counter is one rate-limit window. Key is "scope:action:window".
// WindowSize of zero marks a lifetime window that never rolls over.
type Counter struct {
	Key         string        `bson:"_id"`
	Count       int64         `bson:"count"`
	WindowStart time.Time     `bson:"window_start"`
	WindowSize  time.Duration `bson:"window_size"`
	UpdatedAt   time.Time     `bson:"updated_at"`
}

// Sequence is a named monotonic generator.
type Sequence struct {
	Key    string    `bson:"_id"`
	Value  int64     `bson:"value"`
	LastAt time.Time `bson:"last_at"`
}
