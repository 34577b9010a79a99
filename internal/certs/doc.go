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

// Package certs is the certificate authority of team VPNs.
//
// Every team gets a private PKI under <dir>/<team>: a CA, a server
// certificate named after the public VPN domain, a tls-auth key and the
// OpenVPN server configuration. Users get client certificates from that CA
// and an inline client profile pointing at the team's NodePort.
//
// The EasyRSA implementation drives the easyrsa and openvpn tools. When no
// easyrsa path is configured, Installer downloads the EasyRSA release from
// GitHub into a tools directory.
package certs
