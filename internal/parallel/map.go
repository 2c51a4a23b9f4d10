// Package parallel runs a function over a sequence with bounded
// concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map calls fn for every input element with at most limit calls in
// flight. Results are yielded in completion order.
//
//	for d, err := range parallel.NewMap(4, fn).Iter(ctx, slices.Values(input)) {}
type Map[E, D any] struct {
	limit int
	fn    func(context.Context, E) (D, error)
}

func NewMap[E, D any](limit int, fn func(context.Context, E) (D, error)) *Map[E, D] {
	return &Map[E, D]{
		limit: max(limit, 1),
		fn:    fn,
	}
}

// Iter starts the workers. Breaking out of the loop cancels the context
// passed to fn and waits for the running calls to return. A canceled ctx
// stops feeding new elements.
func (m *Map[E, D]) Iter(ctx context.Context, seq iter.Seq[E]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := make(chan result[D])
		go func() {
			var g errgroup.Group
			g.SetLimit(m.limit)
			defer func() {
				_ = g.Wait()
				close(out)
			}()
			for e := range seq {
				if ctx.Err() != nil {
					return
				}
				// blocks while limit calls are running
				g.Go(func() error {
					d, err := m.fn(ctx, e)
					select {
					case out <- result[D]{d: d, e: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
		}()

		for r := range out {
			if !yield(r.d, r.e) {
				cancel()
				for range out {
				}
				return
			}
		}
	}
}
