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

// Package api is the HTTP boundary of rangekeeper.
//
// Queries (challenge list, team pods, registration status, user profiles)
// are answered directly. Anything that changes the cluster is turned into a
// worker job and acknowledged with 202. Events published by the workers
// and the pod watcher are streamed to clients on /events as server-sent
// events.
package api
