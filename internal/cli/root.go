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
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/mikelane/rangekeeper/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "rangekeeper",
	Short: "Rangekeeper",
	Long: "Rangekeeper provisions isolated per-team sandboxes on Kubernetes for CTF events: " +
		"a namespace and VPN gateway per team, and challenge pods started on demand.",
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

var cfgFile string

var (
	lastReload time.Time
	reloadMu   sync.Mutex

	logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "An error occurred: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, importCmd)
}

// initConfig loads the config file and environment, installs the process
// logger and watches the file for changes.
func initConfig(_ *cobra.Command, _ []string) error {
	v := viper.GetViper()
	config.SetDefaults(v)
	config.BindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := config.Load(v); err != nil {
		return err
	}
	cfg := config.Get()

	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	if cfgFile == "" {
		zap.S().Info("No config file specified, using defaults and environment")
		return nil
	}
	zap.S().Infof("Loaded config from %s", v.ConfigFileUsed())

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		handleConfigChange(v, e.Name)
	})
	return nil
}

func setupLogging(cfg config.LogConfig) error {
	if err := setLogLevel(cfg.Level); err != nil {
		return err
	}

	raw := crzap.NewRaw(crzap.UseDevMode(cfg.Development), crzap.Level(logLevel))
	zap.ReplaceGlobals(raw)
	ctrl.SetLogger(zapr.NewLogger(raw))
	return nil
}

func setLogLevel(level string) error {
	if level == "" {
		level = "info"
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	logLevel.SetLevel(l)
	return nil
}

func handleConfigChange(v *viper.Viper, filename string) {
	reloadMu.Lock()
	defer reloadMu.Unlock()

	if time.Since(lastReload) < 500*time.Millisecond {
		return // ignore duplicate events
	}
	lastReload = time.Now()
	zap.S().Infof("Config file %s changed", filename)

	if err := config.Reload(v); err != nil {
		zap.S().Errorf("Error reloading config: %v", err)
		return
	}
	if err := setLogLevel(config.Get().Log.Level); err != nil {
		zap.S().Errorf("Error applying log level: %v", err)
	}
	zap.S().Info("Config reloaded successfully")
}
