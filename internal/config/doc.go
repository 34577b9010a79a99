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

// Package config holds rangekeeper's settings.
//
// Settings come from a YAML file, with every key overridable from the
// environment (RANGEKEEPER_VPN_DOMAIN overrides vpn.domain). The current
// config is a process-wide value replaced atomically on reload; components
// read it through a Provider.
package config
