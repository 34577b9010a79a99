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

package kube

import (
	"fmt"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// AuthMode describes how the process authenticates against the cluster.
type AuthMode string

const (
	// AuthKubeconfig means a mounted kubeconfig was found.
	AuthKubeconfig AuthMode = "kubeconfig"
	// AuthInCluster means the pod's service account is used.
	AuthInCluster AuthMode = "in-cluster"
)

// DetectAuthMode picks kubeconfig authentication when either a config or a
// token file is present in dir, and in-cluster authentication otherwise.
func DetectAuthMode(dir string) AuthMode {
	for _, name := range []string{"config", "token"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return AuthKubeconfig
		}
	}
	return AuthInCluster
}

// LoadConfig resolves the REST config once. It is meant to be called at
// process start; a failure here is fatal to the caller.
func LoadConfig(dir string) (*rest.Config, AuthMode, error) {
	mode := DetectAuthMode(dir)

	switch mode {
	case AuthKubeconfig:
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		if path := filepath.Join(dir, "config"); fileExists(path) {
			rules.ExplicitPath = path
		}
		cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, mode, fmt.Errorf("failed to load kubeconfig from %s: %w", dir, err)
		}
		return cfg, mode, nil
	default:
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, mode, fmt.Errorf("failed to load in-cluster config: %w", err)
		}
		return cfg, mode, nil
	}
}

// NewScheme returns a scheme holding the built-in types the orchestrator
// reads and writes.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(corev1.AddToScheme(scheme))
	utilruntime.Must(networkingv1.AddToScheme(scheme))
	return scheme
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
