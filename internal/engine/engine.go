// README: Engine lifecycle: runs every scheduler loop under one errgroup.
package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"barq/internal/modules/batching"
	"barq/internal/modules/dispatch"
	"barq/internal/modules/driver"
	"barq/internal/modules/escalation"
	"barq/internal/modules/route"
)

// Engine owns the background loops of the control plane. HTTP ingress runs
// separately; cancelling the context stops everything.
type Engine struct {
	Dispatch   *dispatch.Service
	Batching   *batching.Service
	Routes     *route.Service
	Escalation *escalation.Service
	Drivers    *driver.Service
}

// Run blocks until ctx is cancelled and every loop has drained.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.Dispatch.RunScheduler(ctx)
		return nil
	})
	g.Go(func() error {
		e.Batching.RunScheduler(ctx)
		return nil
	})
	g.Go(func() error {
		e.Routes.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.Escalation.RunScheduler(ctx)
		return nil
	})
	g.Go(func() error {
		e.Drivers.RunDailyReset(ctx)
		return nil
	})
	return g.Wait()
}
