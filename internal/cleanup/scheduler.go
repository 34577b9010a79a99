/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package cleanup

import (
	"context"
	"errors"
	"time"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/rangekeeper/internal/metrics"
	"github.com/mikelane/rangekeeper/internal/namespace"
)

// DefaultGracePeriod protects namespaces created moments ago, whose team may
// not be committed to the catalog yet.
const DefaultGracePeriod = 10 * time.Minute

// Namespaces lists and deletes team namespaces.
type Namespaces interface {
	ListTeamNamespaces(ctx context.Context) ([]corev1.Namespace, error)
	DeleteNamespace(ctx context.Context, team string, timeout, interval time.Duration) error
}

// Catalog answers whether a team still exists.
type Catalog interface {
	TeamKnown(ctx context.Context, team string) (bool, error)
}

// Config holds scheduler settings.
type Config struct {
	Interval    time.Duration
	GracePeriod time.Duration

	// DeleteTimeout and DeleteInterval are passed to DeleteNamespace.
	DeleteTimeout  time.Duration
	DeleteInterval time.Duration
}

// Scheduler periodically deletes team namespaces the catalog no longer
// knows about, such as those left behind by a crash during team deletion.
type Scheduler struct {
	namespaces Namespaces
	catalog    Catalog
	cfg        Config
	now        func() time.Time
}

// NewScheduler creates a new cleanup scheduler.
func NewScheduler(ns Namespaces, c Catalog, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Scheduler{namespaces: ns, catalog: c, cfg: cfg, now: time.Now}
}

// Start runs a cleanup pass every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	logger := log.FromContext(ctx).WithName("cleanup")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.cleanup(ctx)
			if err != nil {
				logger.Error(err, "cleanup pass failed")
				// Continue to next tick
			}
			if n > 0 {
				logger.Info("Deleted orphaned team namespaces", "count", n)
			}
		}
	}
}

// cleanup performs a single pass and returns how many namespaces it deleted.
// A failure on one namespace does not stop the pass.
func (s *Scheduler) cleanup(ctx context.Context) (int, error) {
	logger := log.FromContext(ctx)

	list, err := s.namespaces.ListTeamNamespaces(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	deleted := 0
	cutoff := s.now().Add(-s.cfg.GracePeriod)
	for i := range list {
		ns := &list[i]

		if ns.DeletionTimestamp != nil || ns.CreationTimestamp.Time.After(cutoff) {
			continue
		}

		team := ns.Annotations[namespace.AnnotationTeamID]
		if team == "" {
			// Without the identifier the catalog cannot be asked.
			continue
		}

		known, err := s.catalog.TeamKnown(ctx, team)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if known {
			continue
		}

		logger.Info("Deleting orphaned team namespace", "namespace", ns.Name, "team", team)
		if err := s.namespaces.DeleteNamespace(ctx, team, s.cfg.DeleteTimeout, s.cfg.DeleteInterval); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.NamespacesSweptTotal.Inc()
		deleted++
	}

	return deleted, errors.Join(errs...)
}
