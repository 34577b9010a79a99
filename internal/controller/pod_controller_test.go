/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package controller

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/mikelane/rangekeeper/internal/events"
	"github.com/mikelane/rangekeeper/internal/kube"
	"github.com/mikelane/rangekeeper/internal/namespace"
)

var _ = Describe("Pod status reconciler", func() {
	var (
		ctx        context.Context
		k8sClient  client.Client
		recorder   *events.Recorder
		reconciler *PodStatusReconciler
		key        types.NamespacedName
	)

	reconcile := func() {
		_, err := reconciler.Reconcile(ctx, ctrl.Request{NamespacedName: key})
		Expect(err).NotTo(HaveOccurred())
	}

	published := func() []events.PodStatus {
		var out []events.PodStatus
		for _, e := range recorder.Events() {
			Expect(e.Type).To(Equal(events.TypePodStatus))
			out = append(out, e.Data.(events.PodStatus))
		}
		return out
	}

	BeforeEach(func() {
		ctx = context.Background()
		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "web1-front",
				Namespace: "red",
				Labels:    map[string]string{"team": "red", "name": "web1-front", "task": "web-1"},
			},
			Status: corev1.PodStatus{Phase: corev1.PodPending},
		}
		key = client.ObjectKeyFromObject(pod)

		k8sClient = fake.NewClientBuilder().
			WithScheme(kube.NewScheme()).
			WithObjects(pod).
			WithStatusSubresource(&corev1.Pod{}).
			Build()
		recorder = &events.Recorder{}
		reconciler = &PodStatusReconciler{Client: k8sClient, Publisher: recorder}
	})

	Describe("Scenario: pod becomes ready", func() {
		It("publishes once per distinct state", func() {
			By("seeing the pending pod")
			reconcile()
			reconcile()
			Expect(published()).To(Equal([]events.PodStatus{
				{TeamID: "red", Name: "web1-front", Status: "Pending"},
			}))

			By("moving the pod to running with an IP")
			var pod corev1.Pod
			Expect(k8sClient.Get(ctx, key, &pod)).To(Succeed())
			pod.Status.Phase = corev1.PodRunning
			pod.Status.PodIP = "10.42.0.7"
			Expect(k8sClient.Status().Update(ctx, &pod)).To(Succeed())
			reconcile()

			Expect(published()).To(HaveLen(2))
			Expect(published()[1]).To(Equal(events.PodStatus{
				TeamID: "red", Name: "web1-front", Status: "Running", IP: "10.42.0.7",
			}))
		})
	})

	Describe("Scenario: pod is deleted", func() {
		It("publishes a deleted status for a pod it has seen", func() {
			reconcile()

			var pod corev1.Pod
			Expect(k8sClient.Get(ctx, key, &pod)).To(Succeed())
			Expect(k8sClient.Delete(ctx, &pod)).To(Succeed())
			reconcile()

			statuses := published()
			Expect(statuses).To(HaveLen(2))
			Expect(statuses[1]).To(Equal(events.PodStatus{TeamID: "red", Name: "web1-front", Status: StatusDeleted}))

			By("staying quiet on further requests for the missing pod")
			reconcile()
			Expect(published()).To(HaveLen(2))
		})
	})

	Describe("Scenario: namespace records the team id", func() {
		It("reports the annotated id rather than the label", func() {
			ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
				Name:        "red",
				Annotations: map[string]string{namespace.AnnotationTeamID: "Red"},
			}}
			Expect(k8sClient.Create(ctx, ns)).To(Succeed())

			reconcile()

			var pod corev1.Pod
			Expect(k8sClient.Get(ctx, key, &pod)).To(Succeed())
			Expect(k8sClient.Delete(ctx, &pod)).To(Succeed())
			reconcile()

			Expect(published()).To(Equal([]events.PodStatus{
				{TeamID: "Red", Name: "web1-front", Status: "Pending"},
				{TeamID: "Red", Name: "web1-front", Status: StatusDeleted},
			}))
		})
	})

	Describe("Scenario: pod without a team", func() {
		It("is ignored", func() {
			stray := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "stray", Namespace: "red"}}
			Expect(k8sClient.Create(ctx, stray)).To(Succeed())
			key = client.ObjectKeyFromObject(stray)

			reconcile()

			Expect(recorder.Events()).To(BeEmpty())
			Expect(hasTeamLabel(stray)).To(BeFalse())
		})
	})
})
