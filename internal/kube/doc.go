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

// Package kube provides the cluster gateway: a retrying wrapper around the
// controller-runtime client used by every package that talks to the cluster.
//
// # Retry Policy
//
// Calls are retried when the API server answers with:
//
//   - 403 Forbidden (RBAC for a fresh namespace has not propagated yet)
//   - 429 Too Many Requests
//   - any 5xx, server timeout or client-side timeout
//
// Patch calls additionally retry 404 Not Found, because the patched object
// may still be on its way into existence. Retries use exponential backoff
// with jitter (default: 5 attempts, 2s base, 10s cap). Everything else is
// returned immediately as an *OperationError naming the verb, kind and
// object, so callers can use apierrors helpers or client.IgnoreAlreadyExists
// on the result.
//
// # Authentication
//
// LoadConfig resolves credentials once per process: a kubeconfig is used
// when the configured directory holds a config or token file, otherwise the
// in-cluster service account is used.
package kube
