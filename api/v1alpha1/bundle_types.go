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

// Package v1alpha1 contains the on-disk format of challenge bundles imported
// into the catalog.
package v1alpha1

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/yaml"
)

// NOTE: json tags are required. sigs.k8s.io/yaml converts YAML to JSON
// before decoding, so the same tags drive both formats.

// ChallengeBundle describes a challenge: its pods, the networks joining them
// and their environment variables.
type ChallengeBundle struct {
	// Name is the challenge name shown to players and used for the task label
	Name string `json:"name"`

	// Version of the bundle
	// +optional
	Version string `json:"version,omitempty"`

	// Description shown on the scoreboard
	// +optional
	Description string `json:"description,omitempty"`

	// Score awarded for solving the challenge
	Score int `json:"score"`

	// ScoringType is the scoreboard scoring mode, e.g. "standard" or "dynamic"
	// +optional
	ScoringType string `json:"scoring_type,omitempty"`

	Pods []PodSpec `json:"pods"`

	// +optional
	Networks []Network `json:"networks,omitempty"`

	// +optional
	EnvVars []EnvVar `json:"env_vars,omitempty"`
}

// PodSpec describes one pod of a challenge
type PodSpec struct {
	// K8sName is the pod name inside the team namespace
	K8sName string `json:"k8s_name"`

	Image Image `json:"image"`

	// LimitsRAM accepts Kubernetes quantities as well as the "Gb"/"Mb" suffixes
	// used by older bundles
	LimitsRAM string `json:"limits_ram"`

	LimitsCPU string `json:"limits_cpu"`

	// VisibleToUser controls whether the pod IP is listed to the team
	VisibleToUser bool `json:"visible_to_user"`
}

// Image references the container image of a pod
type Image struct {
	ImageName string `json:"image_name"`

	// BuildContext and BuildArgs are consumed by the image build tooling
	// +optional
	BuildContext string `json:"build_context,omitempty"`
	// +optional
	BuildArgs map[string]string `json:"build_args,omitempty"`
}

// Network joins the listed pods
type Network struct {
	NetName string   `json:"netname"`
	Devices []string `json:"devices"`
}

// EnvVar binds an environment variable to a pod
type EnvVar struct {
	K8sName string `json:"k8s_name"`
	Name    string `json:"env_var_name"`
	Value   string `json:"env_var_value"`
}

// ParseBundle decodes a YAML or JSON bundle and validates it.
func ParseBundle(data []byte) (*ChallengeBundle, error) {
	var b ChallengeBundle
	if err := yaml.UnmarshalStrict(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse challenge bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks that pod names are valid DNS labels, unique within the
// bundle, and that networks and env vars only reference declared pods.
func (b *ChallengeBundle) Validate() error {
	var errs []error

	if strings.TrimSpace(b.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(b.Pods) == 0 {
		errs = append(errs, errors.New("at least one pod is required"))
	}

	pods := make(map[string]bool, len(b.Pods))
	for i, p := range b.Pods {
		if msgs := validation.IsDNS1123Label(p.K8sName); len(msgs) > 0 {
			errs = append(errs, fmt.Errorf("pods[%d].k8s_name %q: %s", i, p.K8sName, strings.Join(msgs, ", ")))
		}
		if pods[p.K8sName] {
			errs = append(errs, fmt.Errorf("pods[%d].k8s_name %q is duplicated", i, p.K8sName))
		}
		pods[p.K8sName] = true
		if p.Image.ImageName == "" {
			errs = append(errs, fmt.Errorf("pods[%d].image.image_name is required", i))
		}
		if _, err := ParseMemory(p.LimitsRAM); err != nil {
			errs = append(errs, fmt.Errorf("pods[%d].limits_ram: %w", i, err))
		}
		if _, err := ParseCPU(p.LimitsCPU); err != nil {
			errs = append(errs, fmt.Errorf("pods[%d].limits_cpu: %w", i, err))
		}
	}

	for i, n := range b.Networks {
		if n.NetName == "" {
			errs = append(errs, fmt.Errorf("networks[%d].netname is required", i))
		}
		for _, d := range n.Devices {
			if !pods[d] {
				errs = append(errs, fmt.Errorf("networks[%d] references unknown pod %q", i, d))
			}
		}
	}

	for i, e := range b.EnvVars {
		if !pods[e.K8sName] {
			errs = append(errs, fmt.Errorf("env_vars[%d] references unknown pod %q", i, e.K8sName))
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("env_vars[%d].env_var_name is required", i))
		}
	}

	return errors.Join(errs...)
}

// ParseMemory parses a memory limit. "Gb", "Mb" and "Kb" suffixes are read
// as their binary counterparts; an empty string means no limit.
func ParseMemory(s string) (*resource.Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, suffix := range []string{"Gb", "Mb", "Kb"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix) + suffix[:1] + "i"
			break
		}
	}
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return nil, fmt.Errorf("invalid memory quantity %q: %w", s, err)
	}
	return &q, nil
}

// ParseCPU parses a CPU limit; an empty string means no limit.
func ParseCPU(s string) (*resource.Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cpu quantity %q: %w", s, err)
	}
	return &q, nil
}
