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

// Package challenge deploys challenges into team namespaces.
//
// A started challenge consists of one pod and one headless service per pod
// definition in the catalog, all labeled with the challenge's task label, and
// the challenge's network policies: a deny-all baseline for the task plus one
// allow policy per network. Stopping a challenge deletes everything carrying
// the task label.
package challenge
