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

package challenge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/mikelane/rangekeeper/internal/catalog"
	rkerrors "github.com/mikelane/rangekeeper/internal/errors"
	"github.com/mikelane/rangekeeper/internal/kube"
	"github.com/mikelane/rangekeeper/internal/policy"
)

// memCatalog is an in-memory Catalog for deployer tests.
type memCatalog struct {
	pods     map[string][]catalog.Pod
	networks map[string]map[string][]string // challenge -> network -> pods
	env      map[string][]catalog.EnvBinding
}

func (m *memCatalog) ListChallenges(context.Context) ([]catalog.Challenge, error) {
	var out []catalog.Challenge
	for name := range m.pods {
		out = append(out, catalog.Challenge{Name: name})
	}
	return out, nil
}

func (m *memCatalog) GetChallengePods(_ context.Context, challenge string) ([]catalog.Pod, error) {
	return m.pods[challenge], nil
}

func (m *memCatalog) GetNetworkNames(_ context.Context, podName string) ([]string, error) {
	var out []string
	for _, nets := range m.networks {
		for net, members := range nets {
			for _, p := range members {
				if p == podName {
					out = append(out, net)
				}
			}
		}
	}
	return out, nil
}

func (m *memCatalog) GetDistinctNetworks(_ context.Context, challenge string) ([]string, error) {
	var out []string
	for net := range m.networks[challenge] {
		out = append(out, net)
	}
	return out, nil
}

func (m *memCatalog) GetPodsInNetwork(_ context.Context, challenge, netname string) ([]string, error) {
	return m.networks[challenge][netname], nil
}

func (m *memCatalog) GetEnvVars(_ context.Context, podName string) ([]catalog.EnvBinding, error) {
	return m.env[podName], nil
}

func (m *memCatalog) GetChallengeForPod(_ context.Context, podName string) (string, error) {
	for name, pods := range m.pods {
		for _, p := range pods {
			if p.K8sName == podName {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("pod %q: %w", podName, rkerrors.ErrNotFound)
}

func webCatalog() *memCatalog {
	return &memCatalog{
		pods: map[string][]catalog.Pod{
			"Web 1": {
				{K8sName: "web1-front", Image: "registry/front:1", RAM: "256Mb", CPU: "0.5", VisibleToUser: true},
				{K8sName: "web1-db", Image: "registry/db:1", RAM: "1Gb", CPU: "1"},
			},
			"Crypto": {
				{K8sName: "crypto-box", Image: "registry/crypto:1", VisibleToUser: true},
			},
		},
		networks: map[string]map[string][]string{
			"Web 1": {
				"teamnet": {"web1-front"},
				"backend": {"web1-front", "web1-db"},
			},
			"Crypto": {
				"teamnet": {"crypto-box"},
			},
		},
		env: map[string][]catalog.EnvBinding{
			"web1-db": {{Name: "db_password", Value: "hunter2"}},
		},
	}
}

func newTestDeployer(t *testing.T, objs ...client.Object) (*Deployer, client.Client) {
	t.Helper()
	c := fake.NewClientBuilder().WithScheme(kube.NewScheme()).WithObjects(objs...).Build()
	g := kube.NewGateway(c, kube.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	return NewDeployer(g, webCatalog(), "regcred"), c
}

func TestStartChallenge(t *testing.T) {
	ctx := context.Background()
	d, c := newTestDeployer(t)

	if err := d.StartChallenge(ctx, "red", "Web 1"); err != nil {
		t.Fatalf("StartChallenge() error = %v", err)
	}

	front := &corev1.Pod{}
	if err := c.Get(ctx, types.NamespacedName{Namespace: "red", Name: "web1-front"}, front); err != nil {
		t.Fatalf("expected pod web1-front: %v", err)
	}
	wantLabels := map[string]string{"team": "red", "task": "web-1", "visible": "1", "name": "web1-front"}
	for k, v := range wantLabels {
		if front.Labels[k] != v {
			t.Errorf("label %s = %q, want %q", k, front.Labels[k], v)
		}
	}
	if got := front.Annotations[AnnotationNetworks]; got != "backend,red" && got != "red,backend" {
		t.Errorf("networks annotation = %q", got)
	}
	if len(front.Spec.ImagePullSecrets) != 1 || front.Spec.ImagePullSecrets[0].Name != "regcred" {
		t.Errorf("expected regcred pull secret")
	}
	mem := front.Spec.Containers[0].Resources.Limits[corev1.ResourceMemory]
	if mem.Cmp(resource.MustParse("256Mi")) != 0 {
		t.Errorf("memory limit = %s, want 256Mi", mem.String())
	}

	db := &corev1.Pod{}
	if err := c.Get(ctx, types.NamespacedName{Namespace: "red", Name: "web1-db"}, db); err != nil {
		t.Fatalf("expected pod web1-db: %v", err)
	}
	if db.Labels["visible"] != "0" {
		t.Errorf("expected invisible db pod, got %q", db.Labels["visible"])
	}
	env := db.Spec.Containers[0].Env
	if len(env) != 1 || env[0].Name != "DB_PASSWORD" || env[0].Value != "hunter2" {
		t.Errorf("unexpected env %v", env)
	}

	svc := &corev1.Service{}
	if err := c.Get(ctx, types.NamespacedName{Namespace: "red", Name: "web1-db"}, svc); err != nil {
		t.Fatalf("expected headless service: %v", err)
	}
	if svc.Spec.ClusterIP != corev1.ClusterIPNone || svc.Spec.Selector["name"] != "web1-db" {
		t.Errorf("unexpected service spec %+v", svc.Spec)
	}
	if svc.Labels["task"] != "web-1" {
		t.Errorf("service task label = %q", svc.Labels["task"])
	}

	policies := &networkingv1.NetworkPolicyList{}
	if err := c.List(ctx, policies, client.InNamespace("red")); err != nil {
		t.Fatal(err)
	}
	names := map[string]networkingv1.NetworkPolicy{}
	for _, np := range policies.Items {
		names[np.Name] = np
	}
	for _, want := range []string{"deny-all-web-1", "allow-all-teamnet-web-1", "allow-all-web-1-backend"} {
		if _, ok := names[want]; !ok {
			t.Errorf("missing policy %s, have %v", want, policies.Items)
		}
	}
	teamnet := names["allow-all-teamnet-web-1"]
	members := teamnet.Spec.PodSelector.MatchExpressions[0].Values
	if len(members) != 2 || members[1] != policy.VPNPodName {
		t.Errorf("teamnet members = %v, want VPN pod appended", members)
	}

	// Starting again keeps the existing objects.
	if err := d.StartChallenge(ctx, "red", "Web 1"); err != nil {
		t.Fatalf("repeated StartChallenge() error = %v", err)
	}
}

func TestStartChallenge_Unknown(t *testing.T) {
	d, _ := newTestDeployer(t)

	err := d.StartChallenge(context.Background(), "red", "Missing")
	if !errors.Is(err, rkerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopChallenge(t *testing.T) {
	ctx := context.Background()
	d, c := newTestDeployer(t)

	if err := d.StartChallenge(ctx, "red", "Web 1"); err != nil {
		t.Fatal(err)
	}
	if err := d.StartChallenge(ctx, "red", "Crypto"); err != nil {
		t.Fatal(err)
	}

	if err := d.StopChallenge(ctx, "red", "Web 1"); err != nil {
		t.Fatalf("StopChallenge() error = %v", err)
	}

	pods := &corev1.PodList{}
	if err := c.List(ctx, pods, client.InNamespace("red")); err != nil {
		t.Fatal(err)
	}
	if len(pods.Items) != 1 || pods.Items[0].Name != "crypto-box" {
		t.Errorf("expected only crypto-box to remain, got %d pods", len(pods.Items))
	}

	services := &corev1.ServiceList{}
	if err := c.List(ctx, services, client.InNamespace("red"), client.MatchingLabels{"task": "web-1"}); err != nil {
		t.Fatal(err)
	}
	if len(services.Items) != 0 {
		t.Errorf("expected web-1 services deleted, got %d", len(services.Items))
	}

	policies := &networkingv1.NetworkPolicyList{}
	if err := c.List(ctx, policies, client.InNamespace("red")); err != nil {
		t.Fatal(err)
	}
	for _, np := range policies.Items {
		if np.Labels["task"] == "web-1" {
			t.Errorf("policy %s survived", np.Name)
		}
	}

	// Nothing left to stop.
	if err := d.StopChallenge(ctx, "red", "Web 1"); err != nil {
		t.Fatalf("StopChallenge() on empty selection error = %v", err)
	}
}

func challengePod(name, visible, task string, phase corev1.PodPhase, ip string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "red", Labels: map[string]string{}},
		Status:     corev1.PodStatus{Phase: phase, PodIP: ip},
	}
	if visible != "" {
		pod.Labels["visible"] = visible
	}
	if task != "" {
		pod.Labels["task"] = task
	}
	pod.Labels["name"] = name
	return pod
}

func TestGetPodsInNamespace(t *testing.T) {
	vpn := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: policy.VPNPodName, Namespace: "red",
			Labels: map[string]string{"name": policy.VPNPodName, "team": "red"}},
		Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: "10.42.0.2"},
	}
	terminating := challengePod("web1-front", "True", "web-1", corev1.PodRunning, "10.42.0.3")
	now := metav1.Now()
	terminating.DeletionTimestamp = &now
	terminating.Finalizers = []string{"test/hold"}

	hidden := challengePod("web1-db", "0", "web-1", corev1.PodPending, "")
	orphan := challengePod("legacy", "1", "old-task", corev1.PodRunning, "10.42.0.9")
	unlabeled := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "stray", Namespace: "red"}}

	tests := []struct {
		name          string
		showInvisible bool
		want          map[string]string // pod name -> status
	}{
		{
			name: "visible pods and vpn",
			want: map[string]string{
				policy.VPNPodName: "Running",
				"web1-front":      "Terminating",
				"legacy":          "Running",
			},
		},
		{
			name:          "show invisible",
			showInvisible: true,
			want: map[string]string{
				policy.VPNPodName: "Running",
				"web1-front":      "Terminating",
				"web1-db":         "Pending",
				"legacy":          "Running",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDeployer(t, vpn.DeepCopy(), terminating.DeepCopy(), hidden.DeepCopy(), orphan.DeepCopy(), unlabeled.DeepCopy())

			got, err := d.GetPodsInNamespace(context.Background(), "red", tt.showInvisible)
			if err != nil {
				t.Fatalf("GetPodsInNamespace() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d pods (%+v), want %d", len(got), got, len(tt.want))
			}

			for _, s := range got {
				status, ok := tt.want[s.Name]
				if !ok {
					t.Errorf("unexpected pod %s", s.Name)
					continue
				}
				if s.Status != status {
					t.Errorf("pod %s status = %s, want %s", s.Name, s.Status, status)
				}

				switch s.Name {
				case policy.VPNPodName:
					if s.Task != "" || s.VisibleIP != nil {
						t.Errorf("vpn pod must only carry name, status and ip: %+v", s)
					}
					if s.IP != "10.42.0.2" {
						t.Errorf("vpn ip = %s", s.IP)
					}
				case "web1-front":
					if s.Task != "Web 1" {
						t.Errorf("task = %q, want catalog challenge name", s.Task)
					}
					if s.VisibleIP == nil || !*s.VisibleIP {
						t.Errorf("expected visibleIP true")
					}
				case "legacy":
					if s.Task != "old-task" {
						t.Errorf("task = %q, want label fallback", s.Task)
					}
				}
			}
		})
	}
}

func TestParseVisible(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"1", true, false},
		{"True", true, false},
		{"true", true, false},
		{"0", false, false},
		{"False", false, false},
		{"false", false, false},
		{"yes", false, true},
		{"", false, true},
	}
	for _, tt := range tests {
		got, err := ParseVisible(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseVisible(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestPodStatus(t *testing.T) {
	now := metav1.Now()
	tests := []struct {
		name     string
		phase    corev1.PodPhase
		deleting bool
		want     string
	}{
		{"running", corev1.PodRunning, false, "Running"},
		{"running and deleting", corev1.PodRunning, true, "Terminating"},
		{"pending and deleting", corev1.PodPending, true, "Terminating"},
		{"succeeded and deleting", corev1.PodSucceeded, true, "Succeeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pod := &corev1.Pod{Status: corev1.PodStatus{Phase: tt.phase}}
			if tt.deleting {
				pod.DeletionTimestamp = &now
			}
			if got := PodStatus(pod); got != tt.want {
				t.Errorf("PodStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}
