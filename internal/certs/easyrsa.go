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
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

//go:embed templates
var templateFS embed.FS

var serverTemplates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

const metadataFile = "team.json"

// Config configures the EasyRSA authority.
type Config struct {
	// Dir holds one sub-directory per team
	Dir string

	// EasyRSA locates the easyrsa executable
	EasyRSA BinaryLocator

	// OpenVPN is the openvpn executable used to generate tls-auth keys
	OpenVPN string
}

// EasyRSA is an Authority backed by the easyrsa and openvpn command line
// tools. Each team gets its own PKI under Dir/<team>.
type EasyRSA struct {
	cfg    Config
	runner Runner

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEasyRSA creates the authority. A nil runner uses os/exec.
func NewEasyRSA(cfg Config, runner Runner) *EasyRSA {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.OpenVPN == "" {
		cfg.OpenVPN = "openvpn"
	}
	return &EasyRSA{cfg: cfg, runner: runner, locks: map[string]*sync.Mutex{}}
}

var _ Authority = (*EasyRSA)(nil)

// lock serialises PKI operations of one team; easyrsa keeps its index and
// serial in plain files.
func (e *EasyRSA) lock(team string) func() {
	e.mu.Lock()
	l, ok := e.locks[team]
	if !ok {
		l = &sync.Mutex{}
		e.locks[team] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (e *EasyRSA) teamDir(team string) (string, error) {
	if err := validateName(team); err != nil {
		return "", err
	}
	return filepath.Join(e.cfg.Dir, team), nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid pki name %q", name)
	}
	return nil
}

// IssueTeamPKI builds the CA, the server certificate for pki.Domain, the
// tls-auth key and the server configuration files. A partial directory left
// by an earlier failure is removed and rebuilt.
func (e *EasyRSA) IssueTeamPKI(ctx context.Context, pki TeamPKI) error {
	logger := log.FromContext(ctx).WithValues("team", pki.Team)

	dir, err := e.teamDir(pki.Team)
	if err != nil {
		return err
	}
	if pki.Domain == "" {
		return errors.New("domain is required")
	}

	unlock := e.lock(pki.Team)
	defer unlock()

	if e.complete(dir, pki) {
		logger.V(1).Info("Team PKI already issued")
		return nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear team pki: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create team pki dir: %w", err)
	}

	easyrsa, err := e.cfg.EasyRSA.EasyRSA(ctx)
	if err != nil {
		return err
	}

	env := e.easyRSAEnv(dir)
	steps := []Command{
		{Name: easyrsa, Args: []string{"init-pki"}},
		{Name: easyrsa, Args: []string{"build-ca", "nopass"}, Stdin: "ca." + pki.Domain + "\n",
			Env: []string{"EASYRSA_REQ_CN=ca." + pki.Domain}},
		{Name: easyrsa, Args: []string{"build-server-full", pki.Domain, "nopass"}},
	}
	for _, step := range steps {
		step.Dir = dir
		step.Env = append(env, step.Env...)
		logger.V(1).Info("Running PKI step", "command", step.String())
		if _, err := e.runner.Run(ctx, step); err != nil {
			return fmt.Errorf("failed to issue team pki: %w", err)
		}
	}

	if err := e.writeServerConfigs(dir, pki); err != nil {
		return err
	}

	taKey := Command{
		Dir:  filepath.Join(dir, "pki"),
		Name: e.cfg.OpenVPN,
		Args: []string{"--genkey", "secret", "ta.key"},
	}
	if _, err := e.runner.Run(ctx, taKey); err != nil {
		return fmt.Errorf("failed to generate tls-auth key: %w", err)
	}

	meta, err := json.Marshal(pki)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), meta, 0o600); err != nil {
		return fmt.Errorf("failed to write team metadata: %w", err)
	}

	logger.Info("Issued team PKI", "domain", pki.Domain, "port", pki.Port, "protocol", pki.Protocol)
	return nil
}

func (e *EasyRSA) easyRSAEnv(dir string) []string {
	return []string{
		"EASYRSA_BATCH=1",
		"EASYRSA_PKI=" + filepath.Join(dir, "pki"),
	}
}

// complete reports whether dir holds every server artifact issued for the
// same endpoint.
func (e *EasyRSA) complete(dir string, pki TeamPKI) bool {
	meta, err := readMetadata(dir)
	if err != nil || meta != pki {
		return false
	}
	for _, kind := range ServerArtifacts {
		rel, err := kind.RelPath(pki.Domain)
		if err != nil {
			return false
		}
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			return false
		}
	}
	return true
}

func readMetadata(dir string) (TeamPKI, error) {
	var meta TeamPKI
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func (e *EasyRSA) writeServerConfigs(dir string, pki TeamPKI) error {
	rendered := map[string]string{
		"ovpn_env.sh":  "ovpn_env.sh.tmpl",
		"openvpn.conf": "openvpn.conf.tmpl",
	}
	for file, tmpl := range rendered {
		var buf bytes.Buffer
		if err := serverTemplates.ExecuteTemplate(&buf, tmpl, pki); err != nil {
			return fmt.Errorf("failed to render %s: %w", file, err)
		}
		if err := os.WriteFile(filepath.Join(dir, file), buf.Bytes(), 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", file, err)
		}
	}

	for _, script := range []string{"up.sh", "down.sh"} {
		data, err := templateFS.ReadFile("templates/" + script)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, script), data, 0o700); err != nil { //nolint:gosec
			return fmt.Errorf("failed to write %s: %w", script, err)
		}
	}
	return nil
}

// IssueUserCert issues a client certificate for user, reusing one that was
// already issued, and returns the client profile.
func (e *EasyRSA) IssueUserCert(ctx context.Context, team, user string) (string, error) {
	dir, err := e.teamDir(team)
	if err != nil {
		return "", err
	}
	if err := validateName(user); err != nil {
		return "", err
	}

	unlock := e.lock(team)
	defer unlock()

	if _, err := readMetadata(dir); err != nil {
		return "", fmt.Errorf("team %q has no pki: %w", team, err)
	}

	issued := filepath.Join(dir, "pki", "issued", user+".crt")
	if _, err := os.Stat(issued); errors.Is(err, os.ErrNotExist) {
		easyrsa, err := e.cfg.EasyRSA.EasyRSA(ctx)
		if err != nil {
			return "", err
		}
		cmd := Command{
			Dir:  dir,
			Env:  e.easyRSAEnv(dir),
			Name: easyrsa,
			Args: []string{"build-client-full", user, "nopass"},
		}
		if _, err := e.runner.Run(ctx, cmd); err != nil {
			return "", fmt.Errorf("failed to issue certificate for %s/%s: %w", team, user, err)
		}
		log.FromContext(ctx).Info("Issued user certificate", "team", team, "user", user)
	} else if err != nil {
		return "", err
	}

	return e.clientProfile(dir, user)
}

// ClientProfile returns the profile of an already issued certificate.
func (e *EasyRSA) ClientProfile(_ context.Context, team, user string) (string, error) {
	dir, err := e.teamDir(team)
	if err != nil {
		return "", err
	}
	if err := validateName(user); err != nil {
		return "", err
	}
	return e.clientProfile(dir, user)
}

func (e *EasyRSA) clientProfile(dir, user string) (string, error) {
	meta, err := readMetadata(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read team metadata: %w", err)
	}

	pkiDir := filepath.Join(dir, "pki")
	read := func(parts ...string) (string, error) {
		data, err := os.ReadFile(filepath.Join(append([]string{pkiDir}, parts...)...))
		return string(data), err
	}

	key, err := read("private", user+".key")
	if err != nil {
		return "", err
	}
	cert, err := read("issued", user+".crt")
	if err != nil {
		return "", err
	}
	ca, err := read("ca.crt")
	if err != nil {
		return "", err
	}
	ta, err := read("ta.key")
	if err != nil {
		return "", err
	}

	return BuildClientProfile(ClientProfile{
		Remote:   meta.Domain,
		Port:     meta.Port,
		Protocol: meta.Protocol,
		Key:      key,
		Cert:     certificateBlock(cert),
		CA:       ca,
		TLSAuth:  ta,
	}), nil
}

// ReadServerArtifact returns a server-side file of the team.
func (e *EasyRSA) ReadServerArtifact(team string, kind ArtifactKind) (string, error) {
	dir, err := e.teamDir(team)
	if err != nil {
		return "", err
	}
	meta, err := readMetadata(dir)
	if err != nil {
		return "", fmt.Errorf("team %q has no pki: %w", team, err)
	}
	rel, err := kind.RelPath(meta.Domain)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return "", fmt.Errorf("failed to read %s of team %q: %w", kind, team, err)
	}
	return string(data), nil
}

// DeleteTeam removes the team directory.
func (e *EasyRSA) DeleteTeam(team string) error {
	dir, err := e.teamDir(team)
	if err != nil {
		return err
	}

	unlock := e.lock(team)
	defer unlock()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete pki of team %q: %w", team, err)
	}
	return nil
}
