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

package vpn

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/rangekeeper/internal/certs"
	"github.com/mikelane/rangekeeper/internal/kube"
	"github.com/mikelane/rangekeeper/internal/namespace"
	"github.com/mikelane/rangekeeper/internal/policy"
)

const (
	// ServiceName is the NodePort service exposing a team VPN
	ServiceName = "vpn-container-service"

	containerName = "vpn-container"
	configVolume  = "vpn-volume"
	tunVolume     = "dev-net-tun"
	configDir     = "/etc/openvpn"
	tunDevice     = "/dev/net/tun"

	// DefaultImage is the OpenVPN server image
	DefaultImage = "kylemanna/openvpn"
)

// configMapKeys maps each server artifact to its ConfigMap key.
var configMapKeys = map[certs.ArtifactKind]string{
	certs.ArtifactServerConfig: "ovpn.conf",
	certs.ArtifactKey:          "server.key",
	certs.ArtifactCert:         "server.crt",
	certs.ArtifactCA:           "ca.crt",
	certs.ArtifactTLSAuthKey:   "ta.key",
	certs.ArtifactEnvScript:    "ovpn.env",
	certs.ArtifactUpScript:     "up.sh",
	certs.ArtifactDownScript:   "down.sh",
}

// Config holds VPN provisioning settings
type Config struct {
	Image string

	// Domain is the public name clients connect to; server files are named
	// after it
	Domain string

	// Protocol is the OpenVPN transport, "udp" or "tcp"
	Protocol string

	// PodCIDR is the cluster pod network routed through the tunnel, either
	// "10.42.0.0/16" or "10.42.0.0 255.255.0.0"
	PodCIDR string

	// PullSecret is referenced by the VPN pod
	PullSecret string
}

// Provisioner creates team VPN gateways and client profiles.
type Provisioner struct {
	gateway *kube.Gateway
	ca      certs.Authority
	cfg     Config
}

// NewProvisioner creates a VPN provisioner
func NewProvisioner(g *kube.Gateway, ca certs.Authority, cfg Config) *Provisioner {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	return &Provisioner{gateway: g, ca: ca, cfg: cfg}
}

// ConfigMapName returns the name of the ConfigMap holding a team's server files.
func ConfigMapName(team string) string {
	return "vpn-config-" + namespace.Name(team)
}

// CreateTeamVPN packages the team's server artifacts into a ConfigMap and
// starts the VPN pod mounting it. Objects that already exist are kept.
func (p *Provisioner) CreateTeamVPN(ctx context.Context, team string) error {
	logger := log.FromContext(ctx).WithValues("team", team)
	ns := namespace.Name(team)

	data := make(map[string]string, len(configMapKeys))
	for _, kind := range certs.ServerArtifacts {
		content, err := p.ca.ReadServerArtifact(team, kind)
		if err != nil {
			return fmt.Errorf("failed to read server %s: %w", kind, err)
		}
		data[configMapKeys[kind]] = content
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ConfigMapName(team),
			Namespace: ns,
			Labels:    map[string]string{policy.LabelTeam: ns},
		},
		Data: data,
	}
	if err := client.IgnoreAlreadyExists(p.gateway.Create(ctx, cm)); err != nil {
		return fmt.Errorf("failed to create vpn config: %w", err)
	}

	pod, err := p.buildPod(team)
	if err != nil {
		return err
	}
	if err := client.IgnoreAlreadyExists(p.gateway.Create(ctx, pod)); err != nil {
		return fmt.Errorf("failed to create vpn pod: %w", err)
	}

	logger.Info("Created team VPN", "namespace", ns)
	return nil
}

func (p *Provisioner) buildPod(team string) (*corev1.Pod, error) {
	ns := namespace.Name(team)

	items := make([]corev1.KeyToPath, 0, len(certs.ServerArtifacts))
	for _, kind := range certs.ServerArtifacts {
		path, err := kind.RelPath(p.cfg.Domain)
		if err != nil {
			return nil, err
		}
		items = append(items, corev1.KeyToPath{Key: configMapKeys[kind], Path: path})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      policy.VPNPodName,
			Namespace: ns,
			Labels: map[string]string{
				policy.LabelName: policy.VPNPodName,
				policy.LabelTeam: ns,
			},
		},
		Spec: corev1.PodSpec{
			AutomountServiceAccountToken: ptr.To(false),
			Containers: []corev1.Container{
				{
					Name:  containerName,
					Image: p.cfg.Image,
					Ports: []corev1.ContainerPort{
						{ContainerPort: policy.VPNPort, Protocol: p.serviceProtocol()},
					},
					Env: []corev1.EnvVar{{Name: "DEBUG", Value: "1"}},
					VolumeMounts: []corev1.VolumeMount{
						{Name: configVolume, MountPath: configDir},
						{Name: tunVolume, MountPath: tunDevice},
					},
					// The tunnel device needs NET_ADMIN. Only this container gets it.
					SecurityContext: &corev1.SecurityContext{
						Capabilities: &corev1.Capabilities{
							Add: []corev1.Capability{"NET_ADMIN"},
						},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: configVolume,
					VolumeSource: corev1.VolumeSource{
						ConfigMap: &corev1.ConfigMapVolumeSource{
							LocalObjectReference: corev1.LocalObjectReference{Name: ConfigMapName(team)},
							Items:                items,
						},
					},
				},
				{
					Name: tunVolume,
					VolumeSource: corev1.VolumeSource{
						HostPath: &corev1.HostPathVolumeSource{Path: tunDevice},
					},
				},
			},
		},
	}

	if p.cfg.PullSecret != "" {
		pod.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: p.cfg.PullSecret}}
	}

	return pod, nil
}

func (p *Provisioner) serviceProtocol() corev1.Protocol {
	if strings.HasPrefix(p.cfg.Protocol, "tcp") {
		return corev1.ProtocolTCP
	}
	return corev1.ProtocolUDP
}

// ExposeTeamVPN publishes the VPN pod on the team's node port and applies the
// namespace baseline policies. Objects that already exist are kept.
func (p *Provisioner) ExposeTeamVPN(ctx context.Context, team string, port int) error {
	logger := log.FromContext(ctx).WithValues("team", team, "port", port)
	ns := namespace.Name(team)

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ServiceName,
			Namespace: ns,
			Labels:    map[string]string{policy.LabelTeam: ns},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{policy.LabelName: policy.VPNPodName},
			Ports: []corev1.ServicePort{
				{
					Name:       "openvpn",
					Protocol:   p.serviceProtocol(),
					Port:       policy.VPNPort,
					TargetPort: intstr.FromInt32(policy.VPNPort),
					NodePort:   int32(port), //nolint:gosec
				},
			},
		},
	}
	if err := client.IgnoreAlreadyExists(p.gateway.Create(ctx, svc)); err != nil {
		return fmt.Errorf("failed to create vpn service: %w", err)
	}

	for _, np := range policy.NamespaceBaseline(ns, ns) {
		if err := client.IgnoreAlreadyExists(p.gateway.Create(ctx, np)); err != nil {
			return fmt.Errorf("failed to create network policy %s: %w", np.Name, err)
		}
	}

	logger.Info("Exposed team VPN")
	return nil
}

// RegisterUser issues the user's client certificate.
func (p *Provisioner) RegisterUser(ctx context.Context, team, user string) error {
	if _, err := p.ca.IssueUserCert(ctx, team, user); err != nil {
		return fmt.Errorf("failed to register vpn user: %w", err)
	}
	return nil
}

// ObtainUserConfig returns the user's client profile, prepared for split
// tunnelling into the pod network.
func (p *Provisioner) ObtainUserConfig(ctx context.Context, team, user string) (string, error) {
	profile, err := p.ca.ClientProfile(ctx, team, user)
	if err != nil {
		return "", fmt.Errorf("failed to obtain vpn config: %w", err)
	}
	return PrepareClientConfig(NormalizeNewlines(profile), p.cfg.PodCIDR)
}
