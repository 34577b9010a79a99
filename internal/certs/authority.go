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

package certs

import (
	"context"
	"fmt"
	"path/filepath"
)

// ArtifactKind names a server-side file produced for a team's VPN.
type ArtifactKind string

const (
	ArtifactKey          ArtifactKind = "key"
	ArtifactCert         ArtifactKind = "cert"
	ArtifactCA           ArtifactKind = "ca"
	ArtifactTLSAuthKey   ArtifactKind = "tls-auth-key"
	ArtifactServerConfig ArtifactKind = "server-config"
	ArtifactEnvScript    ArtifactKind = "env-script"
	ArtifactUpScript     ArtifactKind = "up-script"
	ArtifactDownScript   ArtifactKind = "down-script"
)

// ServerArtifacts lists every kind a VPN server needs, in mount order.
var ServerArtifacts = []ArtifactKind{
	ArtifactServerConfig,
	ArtifactKey,
	ArtifactCert,
	ArtifactCA,
	ArtifactTLSAuthKey,
	ArtifactEnvScript,
	ArtifactUpScript,
	ArtifactDownScript,
}

// RelPath returns where an artifact lives relative to the team directory. The
// same layout is mounted under /etc/openvpn in the VPN pod.
func (k ArtifactKind) RelPath(domain string) (string, error) {
	switch k {
	case ArtifactKey:
		return filepath.Join("pki", "private", domain+".key"), nil
	case ArtifactCert:
		return filepath.Join("pki", "issued", domain+".crt"), nil
	case ArtifactCA:
		return filepath.Join("pki", "ca.crt"), nil
	case ArtifactTLSAuthKey:
		return filepath.Join("pki", "ta.key"), nil
	case ArtifactServerConfig:
		return "openvpn.conf", nil
	case ArtifactEnvScript:
		return "ovpn_env.sh", nil
	case ArtifactUpScript:
		return "up.sh", nil
	case ArtifactDownScript:
		return "down.sh", nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", k)
	}
}

// TeamPKI describes the VPN endpoint a team's PKI is issued for.
type TeamPKI struct {
	Team     string
	Domain   string
	Port     int
	Protocol string
}

// Authority issues and stores the certificates of team VPNs.
type Authority interface {
	// IssueTeamPKI creates the CA, server certificate, tls-auth key and
	// server configuration of a team. Calling it again for a team with a
	// complete PKI is a no-op.
	IssueTeamPKI(ctx context.Context, pki TeamPKI) error

	// IssueUserCert issues a client certificate for user and returns the
	// inline client profile. An already issued certificate is reused.
	IssueUserCert(ctx context.Context, team, user string) (string, error)

	// ClientProfile returns the inline profile of an issued certificate.
	ClientProfile(ctx context.Context, team, user string) (string, error)

	// ReadServerArtifact returns the content of a server-side file.
	ReadServerArtifact(team string, kind ArtifactKind) (string, error)

	// DeleteTeam removes the team's PKI directory. A missing directory is
	// not an error.
	DeleteTeam(team string) error
}
