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

package policy

import (
	"regexp"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	// VPNPodName is the fixed name (and name label) of a team's VPN gateway pod.
	VPNPodName = "vpn-container-pod"

	// VPNPort is the port the VPN server listens on inside the pod.
	VPNPort = 1194

	// TeamNetwork is the reserved network name that always includes the VPN pod.
	TeamNetwork = "teamnet"

	// RestrictVPNAccessName names the policy guarding the VPN pod.
	RestrictVPNAccessName = "restrict-vpn-access"

	// NamespaceDenyAllName names the namespace-wide baseline policy.
	NamespaceDenyAllName = "deny-all"

	// Label keys carried by every challenge-scoped object.
	LabelTeam    = "team"
	LabelTask    = "task"
	LabelName    = "name"
	LabelVisible = "visible"

	maxLabelLength = 63
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// SanitizeName converts an arbitrary challenge or network name into a DNS-1123
// label: lower case, spaces and other invalid characters replaced by "-".
func SanitizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	s = invalidNameChars.ReplaceAllString(s, "-")
	if len(s) > maxLabelLength {
		s = s[:maxLabelLength]
	}
	return strings.Trim(s, "-")
}

// TaskLabel returns the value of the task label for a challenge.
func TaskLabel(challenge string) string {
	return SanitizeName(challenge)
}

// ChallengeLabels returns the labels shared by every object created for a
// (team, challenge) pair.
func ChallengeLabels(team, challenge string) map[string]string {
	return map[string]string{
		LabelTeam: team,
		LabelTask: TaskLabel(challenge),
	}
}

// DenyAll builds a policy that blocks all ingress and egress for pods
// matching selector.
func DenyAll(name, namespace string, selector metav1.LabelSelector, labels map[string]string) *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    copyLabels(labels),
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: selector,
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			// Empty ingress and egress rules mean deny all
			Ingress: []networkingv1.NetworkPolicyIngressRule{},
			Egress:  []networkingv1.NetworkPolicyEgressRule{},
		},
	}
}

// RestrictVPNAccess builds the policy for the team's VPN pod: ingress only on
// the VPN transport ports, egress only to pods of the same team.
func RestrictVPNAccess(namespace, team string) *networkingv1.NetworkPolicy {
	tcp := corev1.ProtocolTCP
	udp := corev1.ProtocolUDP
	port := intstr.FromInt32(VPNPort)

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      RestrictVPNAccessName,
			Namespace: namespace,
			Labels:    map[string]string{LabelTeam: team},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{LabelName: VPNPodName},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &tcp, Port: &port},
						{Protocol: &udp, Port: &port},
					},
				},
			},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To: []networkingv1.NetworkPolicyPeer{
						{
							PodSelector: &metav1.LabelSelector{
								MatchLabels: map[string]string{LabelTeam: team},
							},
						},
					},
				},
			},
		},
	}
}

// AllowGroup builds a policy letting the pods named in members reach each
// other. When dnsAllowed is set an extra egress rule opens port 53 towards
// the cluster DNS pods; without it the selector rule would block name
// resolution.
func AllowGroup(name, namespace string, members []string, dnsAllowed bool, labels map[string]string) *networkingv1.NetworkPolicy {
	group := metav1.LabelSelector{
		MatchExpressions: []metav1.LabelSelectorRequirement{
			{
				Key:      LabelName,
				Operator: metav1.LabelSelectorOpIn,
				Values:   append([]string(nil), members...),
			},
		},
	}

	peer := func() []networkingv1.NetworkPolicyPeer {
		sel := group.DeepCopy()
		return []networkingv1.NetworkPolicyPeer{{PodSelector: sel}}
	}

	var egress []networkingv1.NetworkPolicyEgressRule
	if dnsAllowed {
		egress = append(egress, dnsEgressRule())
	}
	egress = append(egress, networkingv1.NetworkPolicyEgressRule{To: peer()})

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    copyLabels(labels),
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: group,
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{From: peer()},
			},
			Egress: egress,
		},
	}
}

func dnsEgressRule() networkingv1.NetworkPolicyEgressRule {
	tcp := corev1.ProtocolTCP
	udp := corev1.ProtocolUDP
	port53 := intstr.FromInt32(53)

	return networkingv1.NetworkPolicyEgressRule{
		To: []networkingv1.NetworkPolicyPeer{
			{
				NamespaceSelector: &metav1.LabelSelector{
					MatchLabels: map[string]string{
						"kubernetes.io/metadata.name": "kube-system",
					},
				},
				PodSelector: &metav1.LabelSelector{
					MatchLabels: map[string]string{"k8s-app": "kube-dns"},
				},
			},
		},
		Ports: []networkingv1.NetworkPolicyPort{
			{Protocol: &udp, Port: &port53},
			{Protocol: &tcp, Port: &port53},
		},
	}
}

// Network is a named group of pods within a challenge.
type Network struct {
	Name    string
	Members []string
}

// NamespaceBaseline returns the namespace-wide deny-all policy and the VPN
// access policy applied when a team's VPN is exposed.
func NamespaceBaseline(namespace, team string) []*networkingv1.NetworkPolicy {
	return []*networkingv1.NetworkPolicy{
		DenyAll(NamespaceDenyAllName, namespace, metav1.LabelSelector{}, map[string]string{LabelTeam: team}),
		RestrictVPNAccess(namespace, team),
	}
}

// ChallengePolicies returns the deny-all baseline for a challenge followed by
// one allow-group policy per network. The teamnet network gets the VPN pod
// appended to its members.
func ChallengePolicies(namespace, team, challenge string, networks []Network) []*networkingv1.NetworkPolicy {
	task := TaskLabel(challenge)
	labels := ChallengeLabels(team, challenge)

	policies := []*networkingv1.NetworkPolicy{
		DenyAll("deny-all-"+task, namespace, metav1.LabelSelector{
			MatchLabels: map[string]string{LabelTask: task},
		}, labels),
	}

	sorted := append([]Network(nil), networks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, n := range sorted {
		members := append([]string(nil), n.Members...)
		if n.Name == TeamNetwork {
			members = append(members, VPNPodName)
		}
		policies = append(policies, AllowGroup(GroupPolicyName(challenge, n.Name), namespace, members, true, labels))
	}

	return policies
}

// GroupPolicyName names the allow-group policy of a challenge network. Names
// are scoped by challenge so that two challenges reusing a network name do
// not collide in the team namespace.
func GroupPolicyName(challenge, network string) string {
	task := TaskLabel(challenge)
	if network == TeamNetwork {
		return "allow-all-" + TeamNetwork + "-" + task
	}
	return "allow-all-" + task + "-" + SanitizeName(network)
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
