package database

import (
	"context"
	"time"
)

// ContentStore is the read-only query interface over the challenge
// catalog. The catalog is owned by the content pipeline; this service
// never writes to it.
type ContentStore interface {
	Ping() error
	// FetchIds returns the ids of all visible challenges of the given
	// type. When multiplayer is true only challenges playable by more
	// than one participant are returned.
	FetchIds(ctx context.Context, challengeType string, multiplayer bool) ([]string, error)
	FetchById(ctx context.Context, id string) (Challenge, error)
}

type Challenge struct {
	Id           string
	Title        string
	Type         string
	Difficulty   string
	Xp           int
	TimeLimitSec int
	Mode         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
