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
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/mikelane/rangekeeper/internal/challenge"
	"github.com/mikelane/rangekeeper/internal/events"
	"github.com/mikelane/rangekeeper/internal/namespace"
	"github.com/mikelane/rangekeeper/internal/policy"
)

// StatusDeleted is published once a watched pod is gone.
const StatusDeleted = "Deleted"

type podState struct {
	team   string
	status string
	ip     string
}

// PodStatusReconciler publishes a pod_status event whenever a team pod
// changes phase, starts terminating, gets an IP or disappears.
type PodStatusReconciler struct {
	client.Client
	Publisher events.Publisher

	mu   sync.Mutex
	seen map[types.NamespacedName]podState
}

// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=namespaces,verbs=get;list;watch

// Reconcile compares the pod with the last published state and publishes
// the difference.
func (r *PodStatusReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := logf.FromContext(ctx)

	var pod corev1.Pod
	if err := r.Get(ctx, req.NamespacedName, &pod); err != nil {
		if !apierrors.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		if last, ok := r.forget(req.NamespacedName); ok {
			log.V(1).Info("Pod deleted", "team", last.team)
			r.Publisher.Publish(ctx, events.NewPodStatus(last.team, req.Name, StatusDeleted, ""))
		}
		return ctrl.Result{}, nil
	}

	label, ok := pod.Labels[policy.LabelTeam]
	if !ok {
		return ctrl.Result{}, nil
	}
	team := r.teamID(ctx, pod.Namespace, label)

	name := pod.Name
	if n, ok := pod.Labels[policy.LabelName]; ok {
		name = n
	}

	current := podState{team: team, status: challenge.PodStatus(&pod), ip: pod.Status.PodIP}
	if !r.record(req.NamespacedName, current) {
		return ctrl.Result{}, nil
	}

	log.V(1).Info("Pod status changed", "team", team, "status", current.status)
	r.Publisher.Publish(ctx, events.NewPodStatus(team, name, current.status, current.ip))
	return ctrl.Result{}, nil
}

// teamID returns the team identifier recorded on the pod's namespace, so
// pod events carry the same id as registration events. The pod's team label
// is used when the namespace has no annotation.
func (r *PodStatusReconciler) teamID(ctx context.Context, nsName, label string) string {
	var ns corev1.Namespace
	if err := r.Get(ctx, types.NamespacedName{Name: nsName}, &ns); err != nil {
		logf.FromContext(ctx).V(1).Info("Using team label, namespace lookup failed", "namespace", nsName, "error", err.Error())
		return label
	}
	if id := ns.Annotations[namespace.AnnotationTeamID]; id != "" {
		return id
	}
	return label
}

// record stores the state and reports whether it differs from the previous one.
func (r *PodStatusReconciler) record(key types.NamespacedName, s podState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[types.NamespacedName]podState)
	}
	if last, ok := r.seen[key]; ok && last == s {
		return false
	}
	r.seen[key] = s
	return true
}

func (r *PodStatusReconciler) forget(key types.NamespacedName) (podState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.seen[key]
	delete(r.seen, key)
	return last, ok
}

// hasTeamLabel filters the watch to pods created for a team.
func hasTeamLabel(obj client.Object) bool {
	_, ok := obj.GetLabels()[policy.LabelTeam]
	return ok
}

// SetupWithManager sets up the controller with the Manager.
func (r *PodStatusReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Pod{}, builder.WithPredicates(predicate.NewPredicateFuncs(hasTeamLabel))).
		Named("podstatus").
		Complete(r)
}
