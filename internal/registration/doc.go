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

// Package registration drives a (team, user) pair through the provisioning
// stages and tears teams down again.
//
// Stages 1 to 6 provision the team: PKI, namespace, VPN pod, VPN service and
// the catalog rows. Exactly one user, the holder of the team's claim in the
// catalog, runs them; other users of the team log stage 0 and wait until the
// team reaches stage 6. Stages 7 to 9 issue and store the user's own VPN
// profile. Stage 10 marks a team that is being deleted or re-registered;
// registrations for it fail with ErrBusy.
//
// Every stage is logged to the catalog after its work succeeded, so a failed
// or interrupted registration resumes after the last logged stage.
package registration
