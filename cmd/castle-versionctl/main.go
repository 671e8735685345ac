/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/timmoreton/castle/internal/metastore"
	"github.com/timmoreton/castle/internal/notify"
	"github.com/timmoreton/castle/pkg/versionmgr"
)

const (
	defaultRoot   = "/var/lib/castle/versions"
	defaultDBName = "versions.db"
)

func main() {
	app := &cli.App{
		Name:  "castle-versionctl",
		Usage: "Inspect and drive a Castle FS version tree",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Root directory holding the version store database",
				Value:   defaultRoot,
				EnvVars: []string{"CASTLE_VERSIONS_ROOT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "If set, serve Prometheus metrics on this address (e.g. :9090) for the duration of the command",
				EnvVars: []string{"CASTLE_VERSIONS_METRICS_ADDR"},
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			bootstrapCommand,
			newCommand,
			attachCommand,
			detachCommand,
			readCommand,
			deleteCommand,
			treeCommand,
			writebackCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(cliCtx *cli.Context) error {
	return log.SetLevel(cliCtx.String("log-level"))
}

// buildNotifier wires the log presentation layer and the Prometheus
// counters together. When --metrics-addr is set it also serves /metrics for
// the lifetime of the command, stopped by the returned func.
func buildNotifier(cliCtx *cli.Context) (versionmgr.Notifier, func(), error) {
	metrics := notify.NewMetricsNotifier()
	n := versionmgr.Notifier(notify.NewMulti(notify.LogNotifier{}, metrics))

	addr := cliCtx.String("metrics-addr")
	if addr == "" {
		return n, func() {}, nil
	}

	reg := prometheus.NewRegistry()
	if err := metrics.RegisterCollectors(reg); err != nil {
		return nil, nil, fmt.Errorf("register metrics collectors: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.L.WithError(err).Warn("metrics server stopped")
		}
	}()

	return n, func() { _ = srv.Close() }, nil
}

// openManager opens the metastore at <root>/<defaultDBName>, bootstraps or
// zero-inits a Manager from it, and returns both so the caller can write
// back before exiting.
func openManager(ctx context.Context, cliCtx *cli.Context) (*versionmgr.Manager, *metastore.Store, func(), error) {
	root := cliCtx.String("root")
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, nil, nil, fmt.Errorf("create root directory: %w", err)
	}

	store, err := metastore.Open(filepath.Join(root, defaultDBName))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open version store: %w", err)
	}

	notifier, stopMetrics, err := buildNotifier(cliCtx)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	m := versionmgr.NewManager(versionmgr.WithNotifier(notifier))

	empty := true
	if err := store.Source().Iterate(ctx, func(versionmgr.Entry) error {
		empty = false
		return nil
	}); err != nil {
		stopMetrics()
		store.Close()
		return nil, nil, nil, fmt.Errorf("probe version store: %w", err)
	}

	if empty {
		if err := m.ZeroInit(ctx); err != nil {
			stopMetrics()
			store.Close()
			return nil, nil, nil, fmt.Errorf("zero_init: %w", err)
		}
	} else {
		if err := m.BootstrapLoad(ctx, store.Source()); err != nil {
			stopMetrics()
			store.Close()
			return nil, nil, nil, fmt.Errorf("bootstrap_load: %w", err)
		}
	}

	return m, store, stopMetrics, nil
}

func writebackAndClose(ctx context.Context, m *versionmgr.Manager, store *metastore.Store, stop func()) error {
	defer stop()
	defer store.Close()
	sessionID := uuid.NewString()
	log.G(ctx).WithField("session", sessionID).Debug("writing back version store")
	return m.Writeback(ctx, store.Sink(), sessionID)
}

var bootstrapCommand = &cli.Command{
	Name:  "bootstrap",
	Usage: "Create the version store database if it doesn't exist yet",
	Action: func(cliCtx *cli.Context) error {
		ctx := context.Background()
		m, store, stop, err := openManager(ctx, cliCtx)
		if err != nil {
			return err
		}
		fmt.Printf("ready: max_id=%d\n", m.MaxID())
		return writebackAndClose(ctx, m, store, stop)
	},
}

var newCommand = &cli.Command{
	Name:      "new",
	Usage:     "Create a snapshot or clone",
	ArgsUsage: "<parent-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "kind", Value: "clone", Usage: "clone or snapshot"},
		&cli.Uint64Flag{Name: "tag", Value: uint64(versionmgr.InvalidTag), Usage: "attachment tag, omit to inherit"},
		&cli.Uint64Flag{Name: "size", Value: 0, Usage: "size hint in bytes"},
	},
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.NArg() != 1 {
			return fmt.Errorf("expected exactly one argument: <parent-id>")
		}
		parentID, err := parseVersionID(cliCtx.Args().Get(0))
		if err != nil {
			return err
		}
		kind := versionmgr.Clone
		if cliCtx.String("kind") == "snapshot" {
			kind = versionmgr.Snapshot
		}

		ctx := context.Background()
		m, store, stop, err := openManager(ctx, cliCtx)
		if err != nil {
			return err
		}
		id, err := m.New(ctx, kind, parentID, versionmgr.AttachmentTag(cliCtx.Uint64("tag")), cliCtx.Uint64("size"))
		if err != nil {
			stop()
			_ = store.Close()
			return err
		}
		fmt.Printf("created version %d\n", id)
		return writebackAndClose(ctx, m, store, stop)
	},
}

var attachCommand = &cli.Command{
	Name:      "attach",
	Usage:     "Mark a version attached",
	ArgsUsage: "<id>",
	Action: func(cliCtx *cli.Context) error {
		id, err := parseVersionID(cliCtx.Args().Get(0))
		if err != nil {
			return err
		}
		ctx := context.Background()
		m, store, stop, err := openManager(ctx, cliCtx)
		if err != nil {
			return err
		}
		if err := m.Attach(id); err != nil {
			stop()
			_ = store.Close()
			return err
		}
		return writebackAndClose(ctx, m, store, stop)
	},
}

var detachCommand = &cli.Command{
	Name:      "detach",
	Usage:     "Clear the attached flag on a version",
	ArgsUsage: "<id>",
	Action: func(cliCtx *cli.Context) error {
		id, err := parseVersionID(cliCtx.Args().Get(0))
		if err != nil {
			return err
		}
		ctx := context.Background()
		m, store, stop, err := openManager(ctx, cliCtx)
		if err != nil {
			return err
		}
		m.Detach(id)
		return writebackAndClose(ctx, m, store, stop)
	},
}

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "Print a version's fields",
	ArgsUsage: "<id>",
	Action: func(cliCtx *cli.Context) error {
		id, err := parseVersionID(cliCtx.Args().Get(0))
		if err != nil {
			return err
		}
		ctx := context.Background()
		m, store, stop, err := openManager(ctx, cliCtx)
		if err != nil {
			return err
		}
		defer stop()
		defer store.Close()

		info, err := m.Read(id)
		if err != nil {
			return err
		}
		fmt.Printf("id=%d parent=%d tag=%d size=%d leaf=%v snapshot=%v attached=%v\n",
			info.ID, info.ParentID, info.AttachmentTag, info.SizeHint, info.IsLeaf, info.IsSnapshot, info.Attached)
		return nil
	},
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "Delete a subtree rooted at <id>",
	ArgsUsage: "<id>",
	Action: func(cliCtx *cli.Context) error {
		id, err := parseVersionID(cliCtx.Args().Get(0))
		if err != nil {
			return err
		}
		ctx := context.Background()
		m, store, stop, err := openManager(ctx, cliCtx)
		if err != nil {
			return err
		}
		if err := m.DeleteSubtree(ctx, id); err != nil {
			stop()
			_ = store.Close()
			return err
		}
		return writebackAndClose(ctx, m, store, stop)
	},
}

var treeCommand = &cli.Command{
	Name:  "tree",
	Usage: "Print the ids currently in the store, one per line",
	Action: func(cliCtx *cli.Context) error {
		ctx := context.Background()
		m, store, stop, err := openManager(ctx, cliCtx)
		if err != nil {
			return err
		}
		defer stop()
		defer store.Close()

		maxID := m.MaxID()
		for id := versionmgr.VersionID(0); id < maxID; id++ {
			if info, err := m.Read(id); err == nil {
				fmt.Printf("%d parent=%d leaf=%v\n", info.ID, info.ParentID, info.IsLeaf)
			}
		}
		return nil
	},
}

var writebackCommand = &cli.Command{
	Name:  "writeback",
	Usage: "Force a writeback without any other mutation",
	Action: func(cliCtx *cli.Context) error {
		ctx := context.Background()
		m, store, stop, err := openManager(ctx, cliCtx)
		if err != nil {
			return err
		}
		return writebackAndClose(ctx, m, store, stop)
	},
}

func parseVersionID(s string) (versionmgr.VersionID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version id %q: %w", s, err)
	}
	return versionmgr.VersionID(n), nil
}
