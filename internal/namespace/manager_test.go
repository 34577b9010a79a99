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

package namespace

import (
	"context"
	"errors"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	rkerrors "github.com/mikelane/rangekeeper/internal/errors"
	"github.com/mikelane/rangekeeper/internal/kube"
)

func testRetry() kube.RetryConfig {
	return kube.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func pullSecret() *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "regcred", Namespace: "default"},
		Type:       corev1.SecretTypeDockerConfigJson,
		Data:       map[string][]byte{corev1.DockerConfigJsonKey: []byte(`{"auths":{}}`)},
	}
}

func defaultServiceAccount(ns string) *corev1.ServiceAccount {
	return &corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Name: "default", Namespace: ns}}
}

func TestManager_CreateTeamNamespace(t *testing.T) {
	tests := []struct {
		name       string
		team       string
		existing   []client.Object
		calls      int
		wantErr    error
		validateFn func(t *testing.T, c client.Client)
	}{
		{
			name:     "creates namespace, copies pull secret and disables automount",
			team:     "team1",
			existing: []client.Object{pullSecret(), defaultServiceAccount("team1")},
			calls:    1,
			validateFn: func(t *testing.T, c client.Client) {
				ns := &corev1.Namespace{}
				if err := c.Get(context.Background(), types.NamespacedName{Name: "team1"}, ns); err != nil {
					t.Fatalf("failed to get namespace: %v", err)
				}
				if ns.Labels[LabelManagedBy] != "rangekeeper" {
					t.Errorf("expected managed-by label, got %v", ns.Labels)
				}
				if ns.Labels[LabelTeam] != "team1" {
					t.Errorf("expected team label 'team1', got %s", ns.Labels[LabelTeam])
				}

				secret := &corev1.Secret{}
				if err := c.Get(context.Background(), types.NamespacedName{Namespace: "team1", Name: "regcred"}, secret); err != nil {
					t.Fatalf("pull secret was not copied: %v", err)
				}
				if secret.Type != corev1.SecretTypeDockerConfigJson {
					t.Errorf("expected secret type to be preserved, got %s", secret.Type)
				}
				if string(secret.Data[corev1.DockerConfigJsonKey]) != `{"auths":{}}` {
					t.Errorf("unexpected secret data %q", secret.Data[corev1.DockerConfigJsonKey])
				}

				sa := &corev1.ServiceAccount{}
				if err := c.Get(context.Background(), types.NamespacedName{Namespace: "team1", Name: "default"}, sa); err != nil {
					t.Fatalf("failed to get service account: %v", err)
				}
				if sa.AutomountServiceAccountToken == nil || *sa.AutomountServiceAccountToken {
					t.Error("expected automountServiceAccountToken=false")
				}
			},
		},
		{
			name:     "idempotent - second call succeeds with one namespace",
			team:     "team2",
			existing: []client.Object{pullSecret(), defaultServiceAccount("team2")},
			calls:    2,
			validateFn: func(t *testing.T, c client.Client) {
				var list corev1.NamespaceList
				if err := c.List(context.Background(), &list); err != nil {
					t.Fatal(err)
				}
				if len(list.Items) != 1 {
					t.Errorf("expected exactly one namespace, got %d", len(list.Items))
				}
				var secrets corev1.SecretList
				if err := c.List(context.Background(), &secrets, client.InNamespace("team2")); err != nil {
					t.Fatal(err)
				}
				if len(secrets.Items) != 1 {
					t.Errorf("expected exactly one copied secret, got %d", len(secrets.Items))
				}
			},
		},
		{
			name:     "missing pull secret fails loudly",
			team:     "team3",
			existing: []client.Object{defaultServiceAccount("team3")},
			calls:    1,
			wantErr:  rkerrors.ErrMissingPullSecret,
		},
		{
			name:     "team names are sanitized into namespace names",
			team:     "Blue Team",
			existing: []client.Object{pullSecret(), defaultServiceAccount("blue-team")},
			calls:    1,
			validateFn: func(t *testing.T, c client.Client) {
				ns := &corev1.Namespace{}
				if err := c.Get(context.Background(), types.NamespacedName{Name: "blue-team"}, ns); err != nil {
					t.Fatalf("expected sanitized namespace: %v", err)
				}
				if ns.Annotations["rangekeeper.io/team-id"] != "Blue Team" {
					t.Errorf("expected original team id annotation, got %v", ns.Annotations)
				}
			},
		},
		{
			name: "namespace of a team whose id sanitizes the same is rejected",
			team: "blue-team",
			existing: []client.Object{
				pullSecret(),
				&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
					Name:        "blue-team",
					Labels:      map[string]string{LabelManagedBy: "rangekeeper", LabelTeam: "blue-team"},
					Annotations: map[string]string{AnnotationTeamID: "Blue Team"},
				}},
			},
			calls:   1,
			wantErr: rkerrors.ErrNamespaceTaken,
		},
		{
			name:     "unmanaged namespace is rejected",
			team:     "kube-system",
			existing: []client.Object{pullSecret(), &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kube-system"}}},
			calls:    1,
			wantErr:  rkerrors.ErrNamespaceTaken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fake.NewClientBuilder().WithObjects(tt.existing...).Build()
			m := NewManager(kube.NewGateway(c, testRetry()), Config{})

			var err error
			for i := 0; i < tt.calls; i++ {
				err = m.CreateTeamNamespace(context.Background(), tt.team)
			}

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("CreateTeamNamespace() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateTeamNamespace() unexpected error = %v", err)
			}
			if tt.validateFn != nil {
				tt.validateFn(t, c)
			}
		})
	}
}

func TestManager_DeleteNamespace(t *testing.T) {
	tests := []struct {
		name          string
		existing      []client.Object
		forceFinalize bool
		wantErr       error
	}{
		{
			name:     "missing namespace is treated as deleted",
			existing: nil,
		},
		{
			name: "namespace without finalizers is deleted",
			existing: []client.Object{
				&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "team1"}},
			},
		},
		{
			name: "stuck namespace is unblocked when finalizers may be cleared",
			existing: []client.Object{
				&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
					Name:       "team1",
					Finalizers: []string{"example.com/stuck"},
				}},
			},
			forceFinalize: true,
		},
		{
			name: "stuck namespace times out when finalizers must be kept",
			existing: []client.Object{
				&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
					Name:       "team1",
					Finalizers: []string{"example.com/stuck"},
				}},
			},
			forceFinalize: false,
			wantErr:       rkerrors.ErrDeleteTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fake.NewClientBuilder().WithObjects(tt.existing...).Build()
			m := NewManager(kube.NewGateway(c, testRetry()), Config{ForceFinalize: tt.forceFinalize})

			err := m.DeleteNamespace(context.Background(), "team1", 200*time.Millisecond, 10*time.Millisecond)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DeleteNamespace() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DeleteNamespace() unexpected error = %v", err)
			}

			ns := &corev1.Namespace{}
			err = c.Get(context.Background(), types.NamespacedName{Name: "team1"}, ns)
			if !apierrors.IsNotFound(err) {
				t.Errorf("expected namespace to be gone, got err=%v ns=%+v", err, ns.ObjectMeta)
			}
		})
	}
}

func TestManager_ListTeamNamespaces(t *testing.T) {
	c := fake.NewClientBuilder().WithObjects(
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "team1", Labels: map[string]string{LabelManagedBy: "rangekeeper"}}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kube-system"}},
	).Build()
	m := NewManager(kube.NewGateway(c, testRetry()), Config{})

	got, err := m.ListTeamNamespaces(context.Background())
	if err != nil {
		t.Fatalf("ListTeamNamespaces() error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "team1" {
		t.Errorf("expected only team1, got %v", got)
	}

	exists, err := m.Exists(context.Background(), "team1")
	if err != nil || !exists {
		t.Errorf("Exists(team1) = %v, %v", exists, err)
	}
	exists, err = m.Exists(context.Background(), "team9")
	if err != nil || exists {
		t.Errorf("Exists(team9) = %v, %v", exists, err)
	}
}
