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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/mikelane/rangekeeper/internal/catalog"
	"github.com/mikelane/rangekeeper/internal/certs"
	"github.com/mikelane/rangekeeper/internal/challenge"
	"github.com/mikelane/rangekeeper/internal/config"
	"github.com/mikelane/rangekeeper/internal/events"
	"github.com/mikelane/rangekeeper/internal/github"
	"github.com/mikelane/rangekeeper/internal/kube"
	"github.com/mikelane/rangekeeper/internal/namespace"
	"github.com/mikelane/rangekeeper/internal/registration"
	"github.com/mikelane/rangekeeper/internal/vpn"
	"github.com/mikelane/rangekeeper/internal/worker"
)

// app holds the components shared by the serve and worker commands.
type app struct {
	cfg    *config.Config
	logger logr.Logger

	restConfig *rest.Config
	store      *catalog.Store
	redis      *redis.Client
	publisher  *events.RedisPublisher
	queue      *worker.Queue

	namespaces *namespace.Manager
	deployer   *challenge.Deployer
	driver     *registration.Driver
}

func openCatalog(ctx context.Context, cfg *config.Config) (*catalog.Store, error) {
	store, err := catalog.Open(catalog.Config{
		Driver:         cfg.Catalog.Driver,
		DSN:            cfg.Catalog.DSN,
		PortRangeStart: cfg.VPN.PortRangeStart,
		Logger:         zap.NewStdLog(zap.L().Named("catalog")),
	})
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func easyRSALocator(cfg *config.Config) (certs.BinaryLocator, error) {
	if cfg.Certs.EasyRSA != "" {
		return certs.StaticBinary(cfg.Certs.EasyRSA), nil
	}
	gh, err := github.NewClient(cfg.GitHub.Token)
	if err != nil {
		return nil, err
	}
	return &certs.Installer{
		Client:   gh,
		ToolsDir: cfg.Certs.ToolsDir,
		Tag:      cfg.Certs.EasyRSATag,
		Offline:  cfg.GitHub.Offline,
	}, nil
}

// newApp connects to the cluster, the catalog and Redis and builds the
// provisioning components.
func newApp(ctx context.Context, cfg *config.Config, logger logr.Logger) (*app, error) {
	if err := cfg.ValidateProvisioning(); err != nil {
		return nil, err
	}
	pullSecretNamespace, pullSecretName, err := cfg.Cluster.PullSecretRef()
	if err != nil {
		return nil, err
	}

	restConfig, mode, err := kube.LoadConfig(cfg.Cluster.KubeconfigDir)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded cluster credentials", "mode", mode)

	k8sClient, err := client.New(restConfig, client.Options{Scheme: kube.NewScheme()})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, restConfig: restConfig}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if a.store, err = openCatalog(ctx, cfg); err != nil {
		return nil, err
	}
	if a.redis, err = connectRedis(ctx, cfg.Redis); err != nil {
		return nil, err
	}
	a.publisher = events.NewRedisPublisher(a.redis, cfg.Events.Channel)
	a.queue = worker.NewQueue(a.redis, logger)

	gateway := kube.NewGateway(k8sClient, kube.RetryConfig{
		MaxAttempts:    cfg.Retry.Attempts,
		InitialBackoff: cfg.Retry.Base,
		MaxBackoff:     cfg.Retry.Cap,
	})

	locator, err := easyRSALocator(cfg)
	if err != nil {
		return nil, err
	}
	authority := certs.NewEasyRSA(certs.Config{
		Dir:     cfg.Certs.Dir,
		EasyRSA: locator,
		OpenVPN: cfg.Certs.OpenVPN,
	}, nil)

	a.namespaces = namespace.NewManager(gateway, namespace.Config{
		PullSecretNamespace: pullSecretNamespace,
		PullSecretName:      pullSecretName,
		ForceFinalize:       cfg.Cluster.ForceFinalize,
	})
	provisioner := vpn.NewProvisioner(gateway, authority, vpn.Config{
		Image:      cfg.VPN.Image,
		Domain:     cfg.VPN.Domain,
		Protocol:   cfg.VPN.Protocol,
		PodCIDR:    cfg.Cluster.PodCIDR,
		PullSecret: pullSecretName,
	})
	a.deployer = challenge.NewDeployer(gateway, a.store, pullSecretName)
	a.driver = registration.NewDriver(a.store, authority, a.namespaces, provisioner, a.publisher, registration.Config{
		Domain:         cfg.VPN.Domain,
		Protocol:       cfg.VPN.Protocol,
		PollInterval:   cfg.Registration.PollInterval,
		WaitTimeout:    cfg.Registration.WaitTimeout,
		DeleteTimeout:  cfg.Namespace.DeleteTimeout,
		DeleteInterval: cfg.Namespace.DeleteInterval,
	})

	ok = true
	return a, nil
}

func (a *app) newPool() *worker.Pool {
	return worker.NewPool(worker.PoolConfig{
		NumWorkers: a.cfg.Workers.Count,
		Queue:      a.queue,
		Handlers:   jobHandlers(a.driver, a.deployer),
		Logger:     a.logger,
		Name:       a.cfg.Workers.Name,
	})
}

func (a *app) close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error(err, "Failed to close connections")
	}
}
