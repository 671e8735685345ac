package notify

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/timmoreton/castle/pkg/versionmgr"
)

// Multi fans a single Notifier call out to several children concurrently.
// Register/Deregister return the first child error encountered; Created and
// Destroyed run all children and never fail.
type Multi struct {
	children []versionmgr.Notifier
}

var _ versionmgr.Notifier = (*Multi)(nil)

// NewMulti builds a Notifier that fans out to every child.
func NewMulti(children ...versionmgr.Notifier) *Multi {
	return &Multi{children: children}
}

func (m *Multi) Register(ctx context.Context, id versionmgr.VersionID) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.children {
		c := c
		g.Go(func() error { return c.Register(ctx, id) })
	}
	return g.Wait()
}

func (m *Multi) Deregister(ctx context.Context, id versionmgr.VersionID) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.children {
		c := c
		g.Go(func() error { return c.Deregister(ctx, id) })
	}
	return g.Wait()
}

func (m *Multi) Created(ctx context.Context, id versionmgr.VersionID) {
	var wg errgroup.Group
	for _, c := range m.children {
		c := c
		wg.Go(func() error {
			c.Created(ctx, id)
			return nil
		})
	}
	_ = wg.Wait()
}

func (m *Multi) Destroyed(ctx context.Context, id versionmgr.VersionID) {
	var wg errgroup.Group
	for _, c := range m.children {
		c := c
		wg.Go(func() error {
			c.Destroyed(ctx, id)
			return nil
		})
	}
	_ = wg.Wait()
}
