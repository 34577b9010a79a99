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

// Package namespace provides namespace management for team sandboxes.
//
// The package implements a Manager that handles the lifecycle of the
// Kubernetes namespace backing each team:
//
//   - Namespace creation with labels identifying the team
//   - Propagation of the shared image pull secret
//   - Disabling token automount on the default ServiceAccount
//   - Deletion with a bounded wait and optional finalizer clearing
//
// # Namespace Naming
//
// The namespace of a team is its identifier converted to a DNS-1123 label:
//
//	Blue Team -> blue-team
//
// The original identifier is kept in the rangekeeper.io/team-id annotation.
//
// # Idempotency
//
// Creation treats AlreadyExists as success at every step, so a registration
// that failed halfway through can call CreateTeamNamespace again. Deletion
// treats NotFound as success.
//
// # Stuck Namespaces
//
// A namespace whose finalizers never complete stays Terminating forever.
// With Config.ForceFinalize enabled, DeleteNamespace clears the finalizers
// once it observes this state and logs which ones it removed. Clearing
// finalizers skips the cleanup they guard, so the flag can be turned off;
// DeleteNamespace then reports ErrDeleteTimeout and leaves remediation to
// the operator.
//
// # Usage
//
//	mgr := namespace.NewManager(gateway, namespace.Config{ForceFinalize: true})
//	if err := mgr.CreateTeamNamespace(ctx, "team1"); err != nil {
//	    return err
//	}
//	err := mgr.DeleteNamespace(ctx, "team1", namespace.DefaultDeleteTimeout, namespace.DefaultDeleteInterval)
package namespace
