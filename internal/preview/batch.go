package preview

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Batch submits every request and waits for all results, which are returned
// in request order. If ctx ends first the outstanding requests are
// cancelled and ctx's error is returned.
func (g *Generator) Batch(ctx context.Context, reqs []Request) ([]Result, error) {
	tickets := make([]*Ticket, len(reqs))
	for i, req := range reqs {
		t, err := g.Request(req)
		if err != nil {
			for _, prev := range tickets[:i] {
				g.Cancel(prev.ID)
			}
			return nil, err
		}
		tickets[i] = t
	}

	results := make([]Result, len(reqs))
	eg, ctx := errgroup.WithContext(ctx)
	for i, t := range tickets {
		eg.Go(func() error {
			r, err := t.Wait(ctx)
			if err != nil {
				g.Cancel(t.ID)
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
