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

// Package policy builds the NetworkPolicy objects that segment a team
// namespace. It performs no I/O.
//
// Segmentation is two-layered:
//
//  1. A deny-all baseline (empty ingress and egress) per namespace and per
//     challenge, selected by the task label.
//  2. Allow-group exceptions, one per challenge network, opening traffic
//     among the member pods (matched by their name label) plus DNS.
//
// Policies are additive in the cluster, so the order in which the baseline
// and the exceptions are created does not open a window of full connectivity.
//
// The network named "teamnet" is reserved: its member list always includes
// the team's VPN gateway pod.
package policy
