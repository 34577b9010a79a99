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
	"encoding/pem"
	"fmt"
	"strings"
)

// ClientProfile holds everything inlined into a client .ovpn profile.
type ClientProfile struct {
	Remote   string
	Port     int
	Protocol string
	Extra    []string

	Key     string
	Cert    string
	CA      string
	TLSAuth string
}

// BuildClientProfile renders an inline OpenVPN client profile.
func BuildClientProfile(p ClientProfile) string {
	proto := p.Protocol
	if proto == "" {
		proto = "udp"
	}

	lines := []string{
		"client",
		"nobind",
		"dev tun",
		"remote-cert-tls server",
		fmt.Sprintf("remote %s %d %s", p.Remote, p.Port, proto),
	}

	// IPv6 transports also advertise the IPv4 fallback
	switch proto {
	case "udp6":
		lines = append(lines, fmt.Sprintf("remote %s %d udp", p.Remote, p.Port))
	case "tcp6":
		lines = append(lines, fmt.Sprintf("remote %s %d tcp", p.Remote, p.Port))
	}

	lines = append(lines, p.Extra...)
	lines = append(lines,
		"\n<key>",
		strings.TrimSpace(p.Key),
		"</key>",
		"<cert>",
		strings.TrimSpace(p.Cert),
		"</cert>",
		"<ca>",
		strings.TrimSpace(p.CA),
		"</ca>",
		"key-direction 1",
		"<tls-auth>",
		strings.TrimSpace(p.TLSAuth),
		"</tls-auth>",
	)

	return strings.Join(lines, "\n")
}

// certificateBlock strips the human readable dump easyrsa writes before the
// PEM block of an issued certificate.
func certificateBlock(data string) string {
	rest := []byte(data)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return data
		}
		if block.Type == "CERTIFICATE" {
			return string(pem.EncodeToMemory(block))
		}
	}
}
