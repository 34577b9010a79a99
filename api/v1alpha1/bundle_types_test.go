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

package v1alpha1

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const validBundle = `
name: Web Exploit
version: "1.0"
description: Break the login form
score: 500
scoring_type: standard
pods:
  - k8s_name: web
    image:
      image_name: registry.local/web:1.0
      build_context: ./web
    limits_ram: 1Gb
    limits_cpu: "0.5"
    visible_to_user: true
  - k8s_name: db
    image:
      image_name: registry.local/db:1.0
    limits_ram: 512Mi
    limits_cpu: "1"
    visible_to_user: false
networks:
  - netname: teamnet
    devices: [web]
  - netname: backend
    devices: [web, db]
env_vars:
  - k8s_name: db
    env_var_name: root_password
    env_var_value: hunter2
`

var _ = Describe("ChallengeBundle", func() {
	Context("parsing", func() {
		It("decodes a complete bundle", func() {
			b, err := ParseBundle([]byte(validBundle))
			Expect(err).NotTo(HaveOccurred())

			Expect(b.Name).To(Equal("Web Exploit"))
			Expect(b.Score).To(Equal(500))
			Expect(b.Pods).To(HaveLen(2))
			Expect(b.Pods[0].Image.ImageName).To(Equal("registry.local/web:1.0"))
			Expect(b.Pods[0].VisibleToUser).To(BeTrue())
			Expect(b.Networks[1].Devices).To(ConsistOf("web", "db"))
			Expect(b.EnvVars[0].Name).To(Equal("root_password"))
		})

		It("rejects unknown fields", func() {
			_, err := ParseBundle([]byte("name: x\nscore: 1\npods: []\nbogus: true\n"))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("validation", func() {
		It("rejects networks that reference unknown pods", func() {
			b := &ChallengeBundle{
				Name: "x",
				Pods: []PodSpec{{K8sName: "web", Image: Image{ImageName: "img"}}},
				Networks: []Network{
					{NetName: "svc", Devices: []string{"web", "ghost"}},
				},
			}
			err := b.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring(`unknown pod "ghost"`))
		})

		It("rejects duplicate and invalid pod names", func() {
			b := &ChallengeBundle{
				Name: "x",
				Pods: []PodSpec{
					{K8sName: "web", Image: Image{ImageName: "img"}},
					{K8sName: "web", Image: Image{ImageName: "img"}},
					{K8sName: "Bad_Name", Image: Image{ImageName: "img"}},
				},
			}
			err := b.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("duplicated"))
			Expect(err.Error()).To(ContainSubstring("Bad_Name"))
		})

		It("rejects malformed resource limits", func() {
			b := &ChallengeBundle{
				Name: "x",
				Pods: []PodSpec{{K8sName: "web", Image: Image{ImageName: "img"}, LimitsRAM: "lots"}},
			}
			Expect(b.Validate()).To(MatchError(ContainSubstring("limits_ram")))
		})
	})

	Context("resource quantities", func() {
		DescribeTable("ParseMemory",
			func(in, want string) {
				q, err := ParseMemory(in)
				Expect(err).NotTo(HaveOccurred())
				Expect(q.String()).To(Equal(want))
			},
			Entry("gigabytes suffix", "2Gb", "2Gi"),
			Entry("megabytes suffix", "256Mb", "256Mi"),
			Entry("kubernetes quantity", "512Mi", "512Mi"),
		)

		It("treats empty limits as unset", func() {
			q, err := ParseMemory("")
			Expect(err).NotTo(HaveOccurred())
			Expect(q).To(BeNil())

			c, err := ParseCPU(" ")
			Expect(err).NotTo(HaveOccurred())
			Expect(c).To(BeNil())
		})
	})
})
