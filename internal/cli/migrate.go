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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikelane/rangekeeper/api/v1alpha1"
	"github.com/mikelane/rangekeeper/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the catalog tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		store, err := openCatalog(ctx, config.Get())
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		if err := store.Migrate(ctx); err != nil {
			return err
		}
		zap.S().Info("Catalog migrated")
		return nil
	},
}

var bundleFiles []string

var importCmd = &cobra.Command{
	Use:   "import -f bundle.yaml [-f bundle.yaml...]",
	Short: "Import challenge bundles into the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if len(bundleFiles) == 0 {
			return fmt.Errorf("at least one bundle file is required")
		}

		ctx := cmd.Context()
		store, err := openCatalog(ctx, config.Get())
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		for _, path := range bundleFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			bundle, err := v1alpha1.ParseBundle(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := store.ImportChallenge(ctx, bundle); err != nil {
				return fmt.Errorf("failed to import %s: %w", path, err)
			}
			zap.S().Infof("Imported challenge %q from %s", bundle.Name, path)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringArrayVarP(&bundleFiles, "file", "f", nil, "challenge bundle file")
}
