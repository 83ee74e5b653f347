// Package fetch deduplicates concurrent requests for the same logical
// resource. N callers asking for one key while a request is pending share
// exactly one producer execution and its outcome; once the request settles
// the key is forgotten, so freshness wins over caching.
package fetch

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Key identifies a logical resource, e.g. "dashboard:42". Callers own the
// naming convention; the group only compares keys for equality.
type Key = string

// Group shares in-flight producer executions by key. The zero value is not
// usable; construct with NewGroup.
type Group[T any] struct {
	sf     singleflight.Group
	logger zerolog.Logger
}

func NewGroup[T any](logger zerolog.Logger) *Group[T] {
	return &Group[T]{logger: logger}
}

// Do returns the result of producer for key, joining an in-flight
// execution when one exists. The producer runs detached from any single
// caller's context: a caller whose ctx ends gets ctx.Err() and walks away,
// while the shared execution continues and settles normally for everyone
// still waiting. A call made after settlement always runs the producer
// again.
func (g *Group[T]) Do(ctx context.Context, key Key, producer func(context.Context) (T, error)) (T, error) {
	var zero T

	ch := g.sf.DoChan(key, func() (any, error) {
		// The flight outlives individual callers.
		return producer(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.logger.Debug().Str("key", key).Msg("joined shared fetch")
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		g.logger.Debug().Str("key", key).Msg("caller detached from fetch")
		return zero, ctx.Err()
	}
}
