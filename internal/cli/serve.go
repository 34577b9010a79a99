// Copyright 2025 The Rangekeeper Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/mikelane/rangekeeper/internal/api"
	"github.com/mikelane/rangekeeper/internal/cleanup"
	"github.com/mikelane/rangekeeper/internal/config"
	"github.com/mikelane/rangekeeper/internal/controller"
	"github.com/mikelane/rangekeeper/internal/kube"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, workers, pod watcher and namespace cleanup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := config.Get()
		logger := ctrl.Log.WithName("serve")
		ctx = log.IntoContext(ctx, logger)

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		mgr, err := ctrl.NewManager(a.restConfig, ctrl.Options{
			Scheme: kube.NewScheme(),
			// The API server exposes /metrics, including the manager's registry.
			Metrics: metricsserver.Options{BindAddress: "0"},
		})
		if err != nil {
			return fmt.Errorf("unable to create manager: %w", err)
		}
		if err := (&controller.PodStatusReconciler{
			Client:    mgr.GetClient(),
			Publisher: a.publisher,
		}).SetupWithManager(mgr); err != nil {
			return fmt.Errorf("unable to create pod status controller: %w", err)
		}

		scheduler := cleanup.NewScheduler(a.namespaces, a.store, cleanup.Config{
			Interval:       cfg.Sweeper.Interval,
			GracePeriod:    cfg.Sweeper.GracePeriod,
			DeleteTimeout:  cfg.Namespace.DeleteTimeout,
			DeleteInterval: cfg.Namespace.DeleteInterval,
		})

		server := api.NewServer(api.Config{
			Addr:          cfg.API.Listen,
			Registrations: a.driver,
			Challenges:    a.deployer,
			Profiles:      a.store,
			Jobs:          a.queue,
			Events:        a.publisher,
			Logger:        logger,
			RateLimit:     cfg.API.RateLimit,
			RateBurst:     cfg.API.RateBurst,
			Registerer:    crmetrics.Registry,
			Gatherer:      crmetrics.Registry,
		})

		pool := a.newPool()
		pool.Start(ctx)
		defer pool.Stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return mgr.Start(ctx) })
		g.Go(func() error { return scheduler.Start(ctx) })
		g.Go(func() error { return server.Start(ctx) })
		return g.Wait()
	},
}
