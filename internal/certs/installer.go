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
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/rangekeeper/internal/github"
)

const (
	easyRSAOwner = "OpenVPN"
	easyRSARepo  = "easy-rsa"

	// DefaultEasyRSATag is the release installed when none is configured
	DefaultEasyRSATag = "v3.1.0"
)

var easyRSAVersionPattern = regexp.MustCompile(`^(?:EasyRSA-)?v?((?:\d+\.)*\d+)$`)

// BinaryLocator resolves the easyrsa executable to run.
type BinaryLocator interface {
	EasyRSA(ctx context.Context) (string, error)
}

// StaticBinary is a fixed easyrsa path.
type StaticBinary string

// EasyRSA returns the path itself.
func (b StaticBinary) EasyRSA(context.Context) (string, error) {
	if b == "" {
		return "", errors.New("no easyrsa binary configured")
	}
	return string(b), nil
}

// Installer keeps an EasyRSA release unpacked under ToolsDir, downloading it
// from GitHub when no installation of at least the wanted version exists.
type Installer struct {
	Client   github.Client
	ToolsDir string
	Tag      string

	// Offline skips the release lookup and only uses installed versions
	Offline bool
}

type installation struct {
	version string
	dir     string
}

// EasyRSA returns the path of the newest installed easyrsa, installing the
// configured release first if it is newer. A failed lookup falls back to
// whatever is already installed.
func (i *Installer) EasyRSA(ctx context.Context) (string, error) {
	logger := log.FromContext(ctx).WithName("easyrsa-installer")

	best, err := i.newestInstalled()
	if err != nil {
		return "", err
	}

	if !i.Offline && i.Client != nil {
		tag := i.Tag
		if tag == "" {
			tag = DefaultEasyRSATag
		}

		installed, err := i.installIfNewer(ctx, tag, best)
		if err != nil {
			logger.Info("Failed to update EasyRSA, using installed version", "tag", tag, "error", err.Error())
		} else if installed != nil {
			logger.Info("Installed EasyRSA", "version", installed.version)
			best = installed
		}
	}

	if best == nil {
		return "", fmt.Errorf("no EasyRSA installation found in %s", i.ToolsDir)
	}
	return filepath.Join(best.dir, "easyrsa"), nil
}

func (i *Installer) installIfNewer(ctx context.Context, tag string, current *installation) (*installation, error) {
	rel, err := i.Client.GetRelease(ctx, easyRSAOwner, easyRSARepo, tag)
	if err != nil {
		return nil, err
	}

	m := easyRSAVersionPattern.FindStringSubmatch(rel.TagName)
	if m == nil {
		return nil, fmt.Errorf("unrecognised release tag %q", rel.TagName)
	}
	if current != nil && compareVersions(m[1], current.version) <= 0 {
		return nil, nil
	}

	asset, ok := rel.FindAsset(".tgz")
	if !ok {
		return nil, fmt.Errorf("release %s has no .tgz asset", rel.TagName)
	}

	rc, err := i.Client.DownloadAsset(ctx, easyRSAOwner, easyRSARepo, asset.ID)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	if err := extractTarGz(rc, i.ToolsDir); err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", asset.Name, err)
	}

	return i.newestInstalled()
}

func (i *Installer) newestInstalled() (*installation, error) {
	entries, err := os.ReadDir(i.ToolsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tools dir: %w", err)
	}

	var best *installation
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := easyRSAVersionPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if best == nil || compareVersions(m[1], best.version) > 0 {
			best = &installation{version: m[1], dir: filepath.Join(i.ToolsDir, e.Name())}
		}
	}
	return best, nil
}

// compareVersions compares dotted numeric versions.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for k := 0; k < len(as) || k < len(bs); k++ {
		var x, y int
		if k < len(as) {
			x, _ = strconv.Atoi(as[k])
		}
		if k < len(bs) {
			y, _ = strconv.Atoi(bs[k])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close() //nolint:errcheck

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o755)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil { //nolint:gosec
				f.Close() //nolint:errcheck,gosec
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
