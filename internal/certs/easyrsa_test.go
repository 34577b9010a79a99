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
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner writes the files easyrsa and openvpn would produce.
type fakeRunner struct {
	mu       sync.Mutex
	commands []Command
	failOn   string
}

func pemCert(cn string) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("cert-of-" + cn)}))
}

func (f *fakeRunner) Run(_ context.Context, cmd Command) ([]byte, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	if f.failOn != "" && strings.Contains(cmd.String(), f.failOn) {
		return []byte("boom"), errors.New("exit status 1")
	}

	pki := filepath.Join(cmd.Dir, "pki")
	write := func(path, content string) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(content), 0o600)
	}

	switch cmd.Args[0] {
	case "init-pki":
		return nil, os.MkdirAll(pki, 0o700)
	case "build-ca":
		return nil, write(filepath.Join(pki, "ca.crt"), pemCert("ca"))
	case "build-server-full", "build-client-full":
		cn := cmd.Args[1]
		if err := write(filepath.Join(pki, "private", cn+".key"), "key-of-"+cn); err != nil {
			return nil, err
		}
		dump := "Certificate:\n    Data:\n        Subject: CN=" + cn + "\n" + pemCert(cn)
		return nil, write(filepath.Join(pki, "issued", cn+".crt"), dump)
	case "--genkey":
		return nil, write(filepath.Join(cmd.Dir, "ta.key"), "static-key")
	}
	return nil, nil
}

func (f *fakeRunner) count(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.Contains(c.String(), sub) {
			n++
		}
	}
	return n
}

func newTestAuthority(t *testing.T) (*EasyRSA, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	return NewEasyRSA(Config{Dir: t.TempDir(), EasyRSA: StaticBinary("/opt/easyrsa/easyrsa")}, runner), runner
}

var redPKI = TeamPKI{Team: "red", Domain: "vpn.example.org", Port: 31200, Protocol: "udp"}

func TestIssueTeamPKI(t *testing.T) {
	ctx := context.Background()
	ca, runner := newTestAuthority(t)

	require.NoError(t, ca.IssueTeamPKI(ctx, redPKI))

	for _, kind := range ServerArtifacts {
		content, err := ca.ReadServerArtifact("red", kind)
		require.NoError(t, err, kind)
		assert.NotEmpty(t, content, kind)
	}

	conf, err := ca.ReadServerArtifact("red", ArtifactServerConfig)
	require.NoError(t, err)
	assert.Contains(t, conf, "key /etc/openvpn/pki/private/vpn.example.org.key")
	assert.Contains(t, conf, "proto udp")

	env, err := ca.ReadServerArtifact("red", ArtifactEnvScript)
	require.NoError(t, err)
	assert.Contains(t, env, "declare -x OVPN_SERVER_URL=udp://vpn.example.org:31200")

	assert.Equal(t, 1, runner.count("build-ca"))
	for _, c := range runner.commands {
		if strings.Contains(c.String(), "build-ca") {
			assert.Equal(t, "ca.vpn.example.org\n", c.Stdin)
		}
	}
}

func TestIssueTeamPKI_Idempotent(t *testing.T) {
	ctx := context.Background()
	ca, runner := newTestAuthority(t)

	require.NoError(t, ca.IssueTeamPKI(ctx, redPKI))
	require.NoError(t, ca.IssueTeamPKI(ctx, redPKI))

	assert.Equal(t, 1, runner.count("init-pki"))
}

func TestIssueTeamPKI_RebuildsPartialDirectory(t *testing.T) {
	ctx := context.Background()
	ca, runner := newTestAuthority(t)

	runner.failOn = "--genkey"
	require.Error(t, ca.IssueTeamPKI(ctx, redPKI))

	runner.failOn = ""
	require.NoError(t, ca.IssueTeamPKI(ctx, redPKI))
	assert.Equal(t, 2, runner.count("init-pki"))

	_, err := ca.ReadServerArtifact("red", ArtifactTLSAuthKey)
	assert.NoError(t, err)
}

func TestIssueTeamPKI_InvalidTeam(t *testing.T) {
	ca, _ := newTestAuthority(t)

	err := ca.IssueTeamPKI(context.Background(), TeamPKI{Team: "../etc", Domain: "vpn.example.org"})
	assert.Error(t, err)
}

func TestIssueUserCert(t *testing.T) {
	ctx := context.Background()
	ca, runner := newTestAuthority(t)
	require.NoError(t, ca.IssueTeamPKI(ctx, redPKI))

	profile, err := ca.IssueUserCert(ctx, "red", "alice")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(profile, "client\nnobind\ndev tun\nremote-cert-tls server\n"))
	assert.Contains(t, profile, "remote vpn.example.org 31200 udp")
	assert.Contains(t, profile, "<key>\nkey-of-alice\n</key>")
	assert.Contains(t, profile, "key-direction 1")
	assert.Contains(t, profile, "<tls-auth>\nstatic-key\n</tls-auth>")
	assert.NotContains(t, profile, "Subject: CN=alice")

	again, err := ca.IssueUserCert(ctx, "red", "alice")
	require.NoError(t, err)
	assert.Equal(t, profile, again)
	assert.Equal(t, 1, runner.count("build-client-full alice"))

	stored, err := ca.ClientProfile(ctx, "red", "alice")
	require.NoError(t, err)
	assert.Equal(t, profile, stored)
}

func TestIssueUserCert_WithoutTeamPKI(t *testing.T) {
	ca, _ := newTestAuthority(t)

	_, err := ca.IssueUserCert(context.Background(), "blue", "bob")
	assert.Error(t, err)
}

func TestDeleteTeam(t *testing.T) {
	ctx := context.Background()
	ca, _ := newTestAuthority(t)
	require.NoError(t, ca.IssueTeamPKI(ctx, redPKI))

	require.NoError(t, ca.DeleteTeam("red"))
	require.NoError(t, ca.DeleteTeam("red"))

	_, err := ca.ReadServerArtifact("red", ArtifactCA)
	assert.Error(t, err)
}

func TestBuildClientProfile(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		want     []string
	}{
		{name: "udp", protocol: "udp", want: []string{"remote vpn 1194 udp"}},
		{name: "default protocol", protocol: "", want: []string{"remote vpn 1194 udp"}},
		{name: "udp6 adds ipv4 fallback", protocol: "udp6", want: []string{"remote vpn 1194 udp6", "remote vpn 1194 udp"}},
		{name: "tcp6 adds ipv4 fallback", protocol: "tcp6", want: []string{"remote vpn 1194 tcp6", "remote vpn 1194 tcp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := BuildClientProfile(ClientProfile{Remote: "vpn", Port: 1194, Protocol: tt.protocol})
			for _, line := range tt.want {
				assert.Contains(t, strings.Split(profile, "\n"), line)
			}
		})
	}
}

func TestArtifactRelPath(t *testing.T) {
	rel, err := ArtifactKey.RelPath("vpn.example.org")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("pki", "private", "vpn.example.org.key"), rel)

	_, err = ArtifactKind("dh").RelPath("vpn.example.org")
	assert.Error(t, err)
}
