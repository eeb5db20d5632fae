package sign

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/signtools/signerd/pkg/bundle"
)

// ComponentSigner prepares and signs one component by arena index.
type ComponentSigner func(ctx context.Context, idx int) error

// Pipeline signs a bundle's components concurrently while honoring
// dependency order: a component starts only after every component it
// links against has been signed. The first failure cancels everything
// still pending.
type Pipeline struct {
	App         *bundle.AppBundle
	Concurrency int
	Log         *slog.Logger

	// SignComponent does the per-component work; the pipeline owns
	// ordering and cancellation.
	SignComponent ComponentSigner

	// OnProgress, when set, is called after each signed component
	// with the running count and the total.
	OnProgress func(signed, total int)
}

// Run executes the pipeline. A dependency cycle fails before any
// component is signed.
func (p *Pipeline) Run(ctx context.Context) error {
	order, err := p.App.SigningOrder()
	if err != nil {
		return err
	}

	concurrency := p.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	n := len(p.App.Components)
	signed := make([]chan struct{}, n)
	for i := range signed {
		signed[i] = make(chan struct{})
	}

	var count atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	// Launching in topological order keeps the limiter deadlock-free:
	// a running component only ever waits on components launched
	// before it.
	for _, idx := range order {
		idx := idx
		g.Go(func() error {
			for _, dep := range p.App.Components[idx].Deps {
				select {
				case <-signed[dep]:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			c := &p.App.Components[idx]
			if c.BinaryPath != "" {
				p.Log.Info("signing component", "path", c.Path, "kind", c.Kind.String())
				if err := p.SignComponent(ctx, idx); err != nil {
					return fmt.Errorf("failed to sign %s: %w", c.Path, err)
				}
			}
			close(signed[idx])

			if p.OnProgress != nil {
				p.OnProgress(int(count.Add(1)), n)
			}
			return nil
		})
	}

	return g.Wait()
}
