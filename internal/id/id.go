package id

import "github.com/google/uuid"

// New returns a random UUID string, the same shape Postgres assigns to
// video_jobs.id.
func New() string {
	return uuid.NewString()
}

// Valid reports whether raw parses as a UUID.
func Valid(raw string) bool {
	_, err := uuid.Parse(raw)
	return err == nil
}
