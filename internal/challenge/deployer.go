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
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/rangekeeper/api/v1alpha1"
	"github.com/mikelane/rangekeeper/internal/catalog"
	rkerrors "github.com/mikelane/rangekeeper/internal/errors"
	"github.com/mikelane/rangekeeper/internal/kube"
	"github.com/mikelane/rangekeeper/internal/metrics"
	"github.com/mikelane/rangekeeper/internal/namespace"
	"github.com/mikelane/rangekeeper/internal/policy"
)

const (
	containerName = "container"

	// AnnotationNetworks lists the networks a challenge pod is attached to
	AnnotationNetworks = "rangekeeper.io/networks"
)

// Catalog is the part of the catalog the deployer reads.
type Catalog interface {
	ListChallenges(ctx context.Context) ([]catalog.Challenge, error)
	GetChallengePods(ctx context.Context, challenge string) ([]catalog.Pod, error)
	GetNetworkNames(ctx context.Context, podName string) ([]string, error)
	GetDistinctNetworks(ctx context.Context, challenge string) ([]string, error)
	GetPodsInNetwork(ctx context.Context, challenge, netname string) ([]string, error)
	GetEnvVars(ctx context.Context, podName string) ([]catalog.EnvBinding, error)
	GetChallengeForPod(ctx context.Context, podName string) (string, error)
}

// Deployer starts and stops challenges in team namespaces.
type Deployer struct {
	gateway    *kube.Gateway
	catalog    Catalog
	pullSecret string
}

// NewDeployer creates a challenge deployer. Challenge pods reference
// pullSecret, which the namespace manager copies into every team namespace.
func NewDeployer(g *kube.Gateway, c Catalog, pullSecret string) *Deployer {
	return &Deployer{gateway: g, catalog: c, pullSecret: pullSecret}
}

// ListChallenges returns the names of all published challenges.
func (d *Deployer) ListChallenges(ctx context.Context) ([]string, error) {
	challenges, err := d.catalog.ListChallenges(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(challenges))
	for _, c := range challenges {
		names = append(names, c.Name)
	}
	return names, nil
}

// StartChallenge creates every pod of the challenge with a headless service,
// then the challenge's network policies. Objects that already exist are
// kept, so a partially started challenge can be started again.
func (d *Deployer) StartChallenge(ctx context.Context, team, challenge string) (err error) {
	defer func() {
		metrics.ChallengeOpsTotal.WithLabelValues("start", metrics.Result(err)).Inc()
	}()

	logger := log.FromContext(ctx).WithValues("team", team, "challenge", challenge)
	ns := namespace.Name(team)

	pods, err := d.catalog.GetChallengePods(ctx, challenge)
	if err != nil {
		return err
	}
	if len(pods) == 0 {
		return fmt.Errorf("challenge %q: %w", challenge, rkerrors.ErrNotFound)
	}

	for _, p := range pods {
		pod, err := d.buildPod(ctx, ns, challenge, p)
		if err != nil {
			return err
		}
		if err := client.IgnoreAlreadyExists(d.gateway.Create(ctx, pod)); err != nil {
			return fmt.Errorf("failed to create pod %s: %w", p.K8sName, err)
		}

		svc := buildService(ns, challenge, p.K8sName)
		if err := client.IgnoreAlreadyExists(d.gateway.Create(ctx, svc)); err != nil {
			return fmt.Errorf("failed to create service %s: %w", p.K8sName, err)
		}
	}

	networks, err := d.networks(ctx, challenge)
	if err != nil {
		return err
	}
	for _, np := range policy.ChallengePolicies(ns, ns, challenge, networks) {
		if err := client.IgnoreAlreadyExists(d.gateway.Create(ctx, np)); err != nil {
			return fmt.Errorf("failed to create network policy %s: %w", np.Name, err)
		}
	}

	logger.Info("Started challenge", "pods", len(pods), "networks", len(networks))
	return nil
}

func (d *Deployer) buildPod(ctx context.Context, ns, challenge string, p catalog.Pod) (*corev1.Pod, error) {
	envs, err := d.catalog.GetEnvVars(ctx, p.K8sName)
	if err != nil {
		return nil, err
	}
	env := make([]corev1.EnvVar, 0, len(envs))
	for _, e := range envs {
		env = append(env, corev1.EnvVar{Name: strings.ToUpper(e.Name), Value: e.Value})
	}

	netNames, err := d.catalog.GetNetworkNames(ctx, p.K8sName)
	if err != nil {
		return nil, err
	}
	for i, n := range netNames {
		if n == policy.TeamNetwork {
			netNames[i] = ns
		}
	}

	resources, err := limits(p.RAM, p.CPU)
	if err != nil {
		return nil, fmt.Errorf("pod %s: %w", p.K8sName, err)
	}

	podLabels := policy.ChallengeLabels(ns, challenge)
	podLabels[policy.LabelName] = p.K8sName
	podLabels[policy.LabelVisible] = visibleLabel(p.VisibleToUser)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.K8sName,
			Namespace: ns,
			Labels:    podLabels,
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name:      containerName,
					Image:     p.Image,
					Env:       env,
					Resources: resources,
				},
			},
		},
	}
	if len(netNames) > 0 {
		pod.Annotations = map[string]string{AnnotationNetworks: strings.Join(netNames, ",")}
	}
	if d.pullSecret != "" {
		pod.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: d.pullSecret}}
	}

	return pod, nil
}

func limits(ram, cpu string) (corev1.ResourceRequirements, error) {
	var req corev1.ResourceRequirements

	mem, err := v1alpha1.ParseMemory(ram)
	if err != nil {
		return req, err
	}
	c, err := v1alpha1.ParseCPU(cpu)
	if err != nil {
		return req, err
	}

	if mem == nil && c == nil {
		return req, nil
	}
	req.Limits = corev1.ResourceList{}
	if mem != nil {
		req.Limits[corev1.ResourceMemory] = *mem
	}
	if c != nil {
		req.Limits[corev1.ResourceCPU] = *c
	}
	return req, nil
}

func visibleLabel(visible bool) string {
	if visible {
		return "1"
	}
	return "0"
}

func buildService(ns, challenge, podName string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: ns,
			Labels:    policy.ChallengeLabels(ns, challenge),
		},
		Spec: corev1.ServiceSpec{
			ClusterIP: corev1.ClusterIPNone,
			Selector:  map[string]string{policy.LabelName: podName},
		},
	}
}

func (d *Deployer) networks(ctx context.Context, challenge string) ([]policy.Network, error) {
	names, err := d.catalog.GetDistinctNetworks(ctx, challenge)
	if err != nil {
		return nil, err
	}
	networks := make([]policy.Network, 0, len(names))
	for _, n := range names {
		members, err := d.catalog.GetPodsInNetwork(ctx, challenge, n)
		if err != nil {
			return nil, err
		}
		networks = append(networks, policy.Network{Name: n, Members: members})
	}
	return networks, nil
}

// StopChallenge deletes the challenge's pods, then its services, then its
// network policies. Stopping a challenge that is not running succeeds.
func (d *Deployer) StopChallenge(ctx context.Context, team, challenge string) (err error) {
	defer func() {
		metrics.ChallengeOpsTotal.WithLabelValues("stop", metrics.Result(err)).Inc()
	}()

	logger := log.FromContext(ctx).WithValues("team", team, "challenge", challenge)
	ns := namespace.Name(team)
	selector := client.MatchingLabelsSelector{Selector: TaskSelector(challenge)}

	pods := &corev1.PodList{}
	if err := d.gateway.List(ctx, pods, client.InNamespace(ns), selector); err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}
	for i := range pods.Items {
		if err := d.deleteObject(ctx, &pods.Items[i]); err != nil {
			return err
		}
	}

	services := &corev1.ServiceList{}
	if err := d.gateway.List(ctx, services, client.InNamespace(ns), selector); err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	for i := range services.Items {
		if err := d.deleteObject(ctx, &services.Items[i]); err != nil {
			return err
		}
	}

	policies := &networkingv1.NetworkPolicyList{}
	if err := d.gateway.List(ctx, policies, client.InNamespace(ns), selector); err != nil {
		return fmt.Errorf("failed to list network policies: %w", err)
	}
	for i := range policies.Items {
		if err := d.deleteObject(ctx, &policies.Items[i]); err != nil {
			return err
		}
	}

	logger.Info("Stopped challenge",
		"pods", len(pods.Items), "services", len(services.Items), "policies", len(policies.Items))
	return nil
}

func (d *Deployer) deleteObject(ctx context.Context, obj client.Object) error {
	if err := client.IgnoreNotFound(d.gateway.Delete(ctx, obj)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", obj.GetName(), err)
	}
	return nil
}

// PodSummary describes a pod of a team namespace as shown to the team.
type PodSummary struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	IP        string `json:"ip"`
	Task      string `json:"task,omitempty"`
	VisibleIP *bool  `json:"visibleIP,omitempty"`
}

// PodStatus returns the pod phase, or "Terminating" for a pending or
// running pod that is being deleted.
func PodStatus(pod *corev1.Pod) string {
	phase := pod.Status.Phase
	if pod.DeletionTimestamp != nil && (phase == corev1.PodPending || phase == corev1.PodRunning) {
		return "Terminating"
	}
	return string(phase)
}

// ParseVisible interprets the visible label.
func ParseVisible(v string) (bool, error) {
	switch v {
	case "1", "True", "true":
		return true, nil
	case "0", "False", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid visible label %q", v)
	}
}

// GetPodsInNamespace lists the pods of a team. The VPN pod is always
// included; challenge pods whose visible label is false are included only
// when showInvisible is set. Pods without the expected labels are skipped.
func (d *Deployer) GetPodsInNamespace(ctx context.Context, team string, showInvisible bool) ([]PodSummary, error) {
	logger := log.FromContext(ctx).WithValues("team", team)
	ns := namespace.Name(team)

	pods := &corev1.PodList{}
	if err := d.gateway.List(ctx, pods, client.InNamespace(ns)); err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	summaries := make([]PodSummary, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]

		if pod.Name == policy.VPNPodName {
			summaries = append(summaries, PodSummary{
				Name:   pod.Name,
				Status: PodStatus(pod),
				IP:     pod.Status.PodIP,
			})
			continue
		}

		name, hasName := pod.Labels[policy.LabelName]
		visibleRaw, hasVisible := pod.Labels[policy.LabelVisible]
		if !hasName || !hasVisible {
			logger.Info("Skipping pod without challenge labels", "pod", pod.Name)
			continue
		}
		visible, err := ParseVisible(visibleRaw)
		if err != nil {
			logger.Info("Skipping pod with invalid visible label", "pod", pod.Name, "visible", visibleRaw)
			continue
		}
		if !visible && !showInvisible {
			continue
		}

		task, err := d.catalog.GetChallengeForPod(ctx, name)
		if err != nil {
			if !errors.Is(err, rkerrors.ErrNotFound) {
				return nil, err
			}
			task = pod.Labels[policy.LabelTask]
		}

		summaries = append(summaries, PodSummary{
			Name:      name,
			Status:    PodStatus(pod),
			IP:        pod.Status.PodIP,
			Task:      task,
			VisibleIP: &visible,
		})
	}

	return summaries, nil
}

// TaskSelector selects every object of a challenge in a team namespace.
func TaskSelector(challenge string) labels.Selector {
	return labels.SelectorFromSet(labels.Set{policy.LabelTask: policy.TaskLabel(challenge)})
}
