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

package vpn

import (
	"fmt"
	"net"
	"strings"
)

// NormalizeNewlines turns escaped "\n" sequences into real newlines.
func NormalizeNewlines(profile string) string {
	return strings.ReplaceAll(profile, `\n`, "\n")
}

// PrepareClientConfig turns a full-tunnel profile into a split-tunnel one:
// only the pod network is routed through the VPN, pushed routes are ignored
// and compression is accepted.
func PrepareClientConfig(profile, podCIDR string) (string, error) {
	route, err := RouteFor(podCIDR)
	if err != nil {
		return "", err
	}

	profile = strings.Replace(profile, "<key>", "route-nopull\nroute "+route+"\n\n<key>", 1)
	profile = strings.ReplaceAll(profile, "redirect-gateway def1", "")
	return profile + "\ncomp-lzo yes\nallow-compression yes", nil
}

// RouteFor converts "10.42.0.0/16" to the "10.42.0.0 255.255.0.0" form of
// the OpenVPN route directive. A value already in that form is returned
// unchanged.
func RouteFor(cidr string) (string, error) {
	cidr = strings.TrimSpace(cidr)

	if strings.Count(cidr, "/") == 1 {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return "", fmt.Errorf("invalid pod cidr %q: %w", cidr, err)
		}
		if ipNet.IP.To4() == nil {
			return "", fmt.Errorf("pod cidr %q is not IPv4", cidr)
		}
		return ipNet.IP.String() + " " + net.IP(ipNet.Mask).String(), nil
	}

	if parts := strings.Fields(cidr); len(parts) == 2 {
		if net.ParseIP(parts[0]) == nil || net.ParseIP(parts[1]) == nil {
			return "", fmt.Errorf("invalid pod route %q", cidr)
		}
		return parts[0] + " " + parts[1], nil
	}

	return "", fmt.Errorf("invalid pod cidr %q", cidr)
}
