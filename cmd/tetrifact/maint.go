package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tetrifact/tetrifact/prune"
)

func (c maincmd) initialize(ctx context.Context, fset *flag.FlagSet, args []string) error {
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err = c.r.Initialize(ctx); err != nil {
		return errors.Wrap(err, "initializing repository")
	}
	for _, project := range fset.Args() {
		if err = c.r.CreateProject(ctx, project); err != nil {
			return errors.Wrapf(err, "creating project %s", project)
		}
	}
	return nil
}

func (c maincmd) prune(ctx context.Context, fset *flag.FlagSet, args []string) error {
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if !c.r.Settings().Prune.Enabled {
		return errors.New("pruning is disabled (set prune.enabled or PRUNE=true)")
	}

	reports, err := c.r.Prune(ctx)
	if err != nil {
		return errors.Wrap(err, "pruning")
	}
	for _, rep := range reports {
		fmt.Printf("%s:\n", rep.Project)
		for _, tier := range []prune.Tier{prune.Untouched, prune.Weekly, prune.Monthly, prune.Yearly} {
			fmt.Printf("  %s: %d\n", tier, len(rep.Tiers[tier]))
		}
		fmt.Printf("  protected: %v\n  deleted: %v\n", rep.Protected, rep.Deleted)
		if len(rep.Failed) > 0 {
			fmt.Printf("  failed: %v\n", rep.Failed)
		}
	}
	return nil
}

func (c maincmd) clean(ctx context.Context, fset *flag.FlagSet, args []string) error {
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	res, err := c.r.Clean(ctx)
	if err != nil {
		return errors.Wrap(err, "cleaning")
	}
	for _, rep := range res.Projects {
		if rep.Skipped {
			fmt.Printf("%s: skipped, publish in progress\n", rep.Project)
			continue
		}
		fmt.Printf("%s: %d subscriptions, %d blobs, %d manifests, %d shards, %d transactions, %d temp transactions\n",
			rep.Project, rep.Subscriptions, rep.Blobs, rep.Manifests, rep.Shards, rep.Transactions, rep.TempTransactions)
	}
	fmt.Printf("archives: %d\nworkspaces: %d\n", res.Archives, res.Workspaces)
	return nil
}

// daemon serves metrics and runs pruning and cleaning periodically
// until interrupted.
func (c maincmd) daemon(ctx context.Context, fset *flag.FlagSet, args []string) error {
	var (
		addr       = fset.String("metrics", ":9090", "address for serving Prometheus metrics (empty to disable)")
		pruneEvery = fset.Duration("prune-every", 24*time.Hour, "interval between prune runs")
		cleanEvery = fset.Duration("clean-every", time.Hour, "interval between clean runs")
	)
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err = c.r.Initialize(ctx); err != nil {
		return errors.Wrap(err, "initializing repository")
	}

	g, ctx := errgroup.WithContext(ctx)

	if *addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *addr, Handler: mux}

		g.Go(func() error {
			c.log.Info().Str("addr", *addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrapf(err, "serving on %s", *addr)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if c.r.Settings().Prune.Enabled {
		g.Go(func() error {
			return every(ctx, *pruneEvery, func() {
				if _, err := c.r.Prune(ctx); err != nil {
					c.log.Error().Err(err).Msg("pruning")
				}
			})
		})
	}
	g.Go(func() error {
		return every(ctx, *cleanEvery, func() {
			if _, err := c.r.Clean(ctx); err != nil {
				c.log.Error().Err(err).Msg("cleaning")
			}
		})
	})

	return g.Wait()
}

func every(ctx context.Context, d time.Duration, f func()) error {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f()
		}
	}
}
