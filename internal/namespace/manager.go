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

// Package namespace manages the lifecycle of team namespaces.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	rkerrors "github.com/mikelane/rangekeeper/internal/errors"
	"github.com/mikelane/rangekeeper/internal/kube"
	"github.com/mikelane/rangekeeper/internal/policy"
)

const (
	managedByLabel = "rangekeeper"

	// LabelManagedBy marks namespaces owned by this controller.
	LabelManagedBy = "rangekeeper.io/managed-by"
	// LabelTeam records the team a namespace belongs to.
	LabelTeam = "rangekeeper.io/team"
	// AnnotationTeamID keeps the unsanitized team identifier.
	AnnotationTeamID = "rangekeeper.io/team-id"

	// DefaultDeleteTimeout bounds how long DeleteNamespace waits.
	DefaultDeleteTimeout = 300 * time.Second
	// DefaultDeleteInterval is the poll interval used by DeleteNamespace.
	DefaultDeleteInterval = 5 * time.Second
)

// Config holds namespace manager settings
type Config struct {
	// PullSecretNamespace and PullSecretName locate the shared image pull
	// secret copied into every team namespace.
	PullSecretNamespace string
	PullSecretName      string

	// ForceFinalize allows DeleteNamespace to clear finalizers of a namespace
	// stuck in Terminating.
	ForceFinalize bool
}

// Manager handles namespace lifecycle for teams
type Manager struct {
	gateway *kube.Gateway
	cfg     Config
}

// NewManager creates a new namespace manager
func NewManager(g *kube.Gateway, cfg Config) *Manager {
	if cfg.PullSecretNamespace == "" {
		cfg.PullSecretNamespace = "default"
	}
	if cfg.PullSecretName == "" {
		cfg.PullSecretName = "regcred"
	}
	return &Manager{
		gateway: g,
		cfg:     cfg,
	}
}

// Name returns the namespace name for a team.
func Name(team string) string {
	return policy.SanitizeName(team)
}

// PullSecretName returns the name of the image pull secret present in every
// team namespace.
func (m *Manager) PullSecretName() string {
	return m.cfg.PullSecretName
}

// CreateTeamNamespace creates the team namespace, copies the shared image
// pull secret into it and disables token automounting on the default
// ServiceAccount. Every step tolerates objects that already exist, so the
// call can be repeated after a partial failure. An existing namespace must
// carry the team's own team-id annotation.
func (m *Manager) CreateTeamNamespace(ctx context.Context, team string) error {
	nsName := Name(team)

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: nsName,
			Labels: map[string]string{
				LabelManagedBy: managedByLabel,
				LabelTeam:      nsName,
			},
			Annotations: map[string]string{
				AnnotationTeamID: team,
			},
		},
	}
	if err := m.gateway.Create(ctx, ns); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create namespace: %w", err)
		}
		if err := m.checkOwner(ctx, nsName, team); err != nil {
			return err
		}
	}

	if err := m.copyPullSecret(ctx, nsName); err != nil {
		return err
	}

	if err := m.disableTokenAutomount(ctx, nsName); err != nil {
		return fmt.Errorf("failed to disable service account token automount: %w", err)
	}

	return nil
}

func (m *Manager) checkOwner(ctx context.Context, nsName, team string) error {
	existing := &corev1.Namespace{}
	if err := m.gateway.Get(ctx, types.NamespacedName{Name: nsName}, existing); err != nil {
		return fmt.Errorf("failed to read namespace %s: %w", nsName, err)
	}
	if owner, ok := existing.Annotations[AnnotationTeamID]; !ok || owner != team {
		return fmt.Errorf("%w: namespace %s, team %q, owner %q", rkerrors.ErrNamespaceTaken, nsName, team, owner)
	}
	return nil
}

func (m *Manager) copyPullSecret(ctx context.Context, namespace string) error {
	src := &corev1.Secret{}
	key := types.NamespacedName{Namespace: m.cfg.PullSecretNamespace, Name: m.cfg.PullSecretName}
	if err := m.gateway.Get(ctx, key, src); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s: %w", rkerrors.ErrMissingPullSecret, key, err)
		}
		return fmt.Errorf("failed to read pull secret %s: %w", key, err)
	}

	dst := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      src.Name,
			Namespace: namespace,
			Labels: map[string]string{
				LabelManagedBy: managedByLabel,
			},
		},
		Type: src.Type,
		Data: src.Data,
	}
	if err := client.IgnoreAlreadyExists(m.gateway.Create(ctx, dst)); err != nil {
		return fmt.Errorf("failed to copy pull secret: %w", err)
	}
	return nil
}

// disableTokenAutomount patches the default ServiceAccount. The account is
// created asynchronously by the cluster, so the gateway retries NotFound.
func (m *Manager) disableTokenAutomount(ctx context.Context, namespace string) error {
	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "default",
			Namespace: namespace,
		},
	}
	patch := client.RawPatch(types.MergePatchType, []byte(`{"automountServiceAccountToken":false}`))
	return m.gateway.Patch(ctx, sa, patch)
}

// DeleteNamespace deletes the team namespace and waits until it is gone.
// A namespace that does not exist counts as deleted. If the namespace is
// still present after timeout, ErrDeleteTimeout is returned.
//
// When ForceFinalize is enabled and the namespace is observed Terminating
// with finalizers, the finalizers are cleared. This unblocks namespaces stuck
// on an unavailable finalizer at the cost of skipping whatever cleanup that
// finalizer guards.
func (m *Manager) DeleteNamespace(ctx context.Context, team string, timeout, interval time.Duration) error {
	logger := log.FromContext(ctx).WithValues("namespace", Name(team))

	if timeout <= 0 {
		timeout = DefaultDeleteTimeout
	}
	if interval <= 0 {
		interval = DefaultDeleteInterval
	}

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: Name(team)}}
	if err := m.gateway.Delete(ctx, ns); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete namespace: %w", err)
	}

	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		current := &corev1.Namespace{}
		if err := m.gateway.Get(ctx, types.NamespacedName{Name: ns.Name}, current); err != nil {
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			logger.Error(err, "failed to read namespace while waiting for deletion")
			return false, nil
		}

		if current.DeletionTimestamp != nil && hasFinalizers(current) {
			if !m.cfg.ForceFinalize {
				return false, nil
			}
			logger.Info("clearing finalizers of terminating namespace",
				"finalizers", current.Finalizers,
				"specFinalizers", current.Spec.Finalizers)
			if err := m.clearFinalizers(ctx, current); err != nil {
				if apierrors.IsNotFound(err) {
					return true, nil
				}
				logger.Error(err, "failed to clear namespace finalizers")
			}
		}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s after %s", rkerrors.ErrDeleteTimeout, ns.Name, timeout)
	}
	return nil
}

func hasFinalizers(ns *corev1.Namespace) bool {
	return len(ns.Finalizers) > 0 || len(ns.Spec.Finalizers) > 0
}

func (m *Manager) clearFinalizers(ctx context.Context, ns *corev1.Namespace) error {
	if len(ns.Finalizers) > 0 {
		// A vanished namespace is the goal here, so NotFound is not retried.
		patch := client.RawPatch(types.MergePatchType, []byte(`{"metadata":{"finalizers":null}}`))
		op := kube.Operation{Verb: "patch", Kind: "Namespace", Name: ns.Name}
		if err := m.gateway.Invoke(ctx, op, func(ctx context.Context) error {
			return m.gateway.Client().Patch(ctx, ns, patch)
		}); err != nil {
			return err
		}
	}
	if len(ns.Spec.Finalizers) > 0 {
		ns.Spec.Finalizers = nil
		if err := m.gateway.UpdateSubResource(ctx, ns, "finalize"); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether the team namespace exists.
func (m *Manager) Exists(ctx context.Context, team string) (bool, error) {
	ns := &corev1.Namespace{}
	if err := m.gateway.Get(ctx, types.NamespacedName{Name: Name(team)}, ns); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListTeamNamespaces returns every namespace managed by this controller.
func (m *Manager) ListTeamNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	var list corev1.NamespaceList
	if err := m.gateway.List(ctx, &list, client.MatchingLabels{LabelManagedBy: managedByLabel}); err != nil {
		return nil, fmt.Errorf("failed to list team namespaces: %w", err)
	}
	return list.Items, nil
}
