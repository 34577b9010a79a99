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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/rangekeeper/internal/config"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the job workers",
	Long: "Runs a worker pool consuming the shared job queue. Several worker processes may " +
		"share a Redis as long as each has its own workers.name.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := ctrl.Log.WithName("worker")
		ctx = log.IntoContext(ctx, logger)

		a, err := newApp(ctx, config.Get(), logger)
		if err != nil {
			return err
		}
		defer a.close()

		pool := a.newPool()
		pool.Start(ctx)
		<-ctx.Done()
		pool.Stop()
		return nil
	},
}
