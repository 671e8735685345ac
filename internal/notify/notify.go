// Package notify provides presentation-layer and metrics adapters
// implementing versionmgr.Notifier.
package notify

import (
	"context"

	"github.com/containerd/log"

	"github.com/timmoreton/castle/pkg/versionmgr"
)

// LogNotifier satisfies versionmgr.Notifier by logging every call through
// containerd/log. It never fails Register/Deregister, making it suitable
// as a baseline adapter when no external presentation layer is wired up.
type LogNotifier struct{}

var _ versionmgr.Notifier = LogNotifier{}

func (LogNotifier) Register(ctx context.Context, id versionmgr.VersionID) error {
	log.G(ctx).WithField("version", id).Debug("version registered")
	return nil
}

func (LogNotifier) Deregister(ctx context.Context, id versionmgr.VersionID) error {
	log.G(ctx).WithField("version", id).Debug("version deregistered")
	return nil
}

func (LogNotifier) Created(ctx context.Context, id versionmgr.VersionID) {
	log.G(ctx).WithField("version", id).Info("version created")
}

func (LogNotifier) Destroyed(ctx context.Context, id versionmgr.VersionID) {
	log.G(ctx).WithField("version", id).Info("version destroyed")
}
