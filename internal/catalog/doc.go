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

// Package catalog is the relational store behind the orchestrator: challenge
// definitions (pods, networks, env vars), teams and their VPN ports, stored
// client profiles, and the append-only registration progress log.
//
// The store runs on gorm with SQLite (github.com/glebarez/sqlite, no cgo) by
// default and MySQL for shared deployments. Every query is parameterized.
//
// Uniqueness invariants are enforced by the schema and re-checked inside
// transactions:
//
//   - a VPN port belongs to at most one team, and a team owns one port
//   - a (team, user) pair has at most one stored profile
//   - a team has at most one provisioning claim
//
// The claim table is the mutual exclusion primitive of registration: the
// first caller to insert the claim for a team provisions it, everyone else
// waits for it.
package catalog
