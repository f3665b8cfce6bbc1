// Package challenge picks a challenge for a room out of the content
// store's catalog. Selection is read-only and has no side effects on
// the store.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/npezzotti/go-codearena/internal/database"
	"github.com/npezzotti/go-codearena/internal/types"
)

// ErrNotFound is returned when no eligible challenge of the requested
// type exists.
var ErrNotFound = errors.New("no eligible challenge found")

const fetchTimeout = 5 * time.Second

type Selector struct {
	store database.ContentStore
	log   *log.Logger
	rand  *rand.Rand
}

func NewSelector(store database.ContentStore, logger *log.Logger) *Selector {
	return &Selector{
		store: store,
		log:   logger,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PickRandom fetches the ids of all multiplayer-capable challenges of
// the given type, chooses one uniformly at random and returns its
// display fields.
func (s *Selector) PickRandom(ctx context.Context, challengeType string) (types.Challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	ids, err := s.store.FetchIds(ctx, challengeType, true)
	if err != nil {
		return types.Challenge{}, fmt.Errorf("fetch challenge ids: %w", err)
	}

	if len(ids) == 0 {
		return types.Challenge{}, ErrNotFound
	}

	id := ids[s.rand.Intn(len(ids))]
	s.log.Printf("selected challenge %q of type %q", id, challengeType)

	rec, err := s.store.FetchById(ctx, id)
	if err != nil {
		return types.Challenge{}, fmt.Errorf("fetch challenge %q: %w", id, err)
	}

	return types.Challenge{
		Id:           rec.Id,
		Title:        rec.Title,
		Difficulty:   rec.Difficulty,
		Xp:           rec.Xp,
		TimeLimitSec: rec.TimeLimitSec,
		Mode:         rec.Mode,
	}, nil
}
