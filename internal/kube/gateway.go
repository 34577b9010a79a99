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

package kube

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/cenkalti/backoff/v4"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	rkerrors "github.com/mikelane/rangekeeper/internal/errors"
	"github.com/mikelane/rangekeeper/internal/metrics"
)

// RetryConfig holds retry configuration for cluster API calls
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the production retry policy: five attempts,
// exponential backoff starting at two seconds and capped at ten.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Operation identifies a single cluster API call.
type Operation struct {
	Verb      string
	Kind      string
	Namespace string
	Name      string

	// RetryNotFound marks patch-style operations whose target may not have
	// been created yet by a racing call.
	RetryNotFound bool
}

func (o Operation) String() string {
	if o.Namespace == "" {
		return fmt.Sprintf("%s %s %s", o.Verb, o.Kind, o.Name)
	}
	return fmt.Sprintf("%s %s %s/%s", o.Verb, o.Kind, o.Namespace, o.Name)
}

// OperationError tags an error with the cluster operation that produced it.
type OperationError struct {
	Op  Operation
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Gateway wraps a controller-runtime client with a uniform retry policy.
// Every read and write goes through Invoke.
type Gateway struct {
	client client.Client
	retry  RetryConfig
}

// NewGateway creates a new cluster gateway
func NewGateway(c client.Client, retry RetryConfig) *Gateway {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if retry.BackoffFactor <= 1 {
		retry.BackoffFactor = 2.0
	}
	return &Gateway{
		client: c,
		retry:  retry,
	}
}

// Client returns the underlying client for callers that need direct reads,
// such as the pod watcher's cache-backed client.
func (g *Gateway) Client() client.Client {
	return g.client
}

// Invoke runs fn under the retry policy. Retryable failures are retried
// until the attempt budget runs out; everything else is returned at once.
// The returned error is always an *OperationError.
func (g *Gateway) Invoke(ctx context.Context, op Operation, fn func(ctx context.Context) error) error {
	logger := log.FromContext(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retry.InitialBackoff
	b.MaxInterval = g.retry.MaxBackoff
	b.Multiplier = g.retry.BackoffFactor
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.retry.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err, op) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		metrics.ClusterRetriesTotal.WithLabelValues(op.Verb, op.Kind).Inc()
		logger.V(1).Info("retrying cluster operation", "operation", op.String(), "attempt", attempts, "wait", wait, "error", err.Error())
	})
	if err == nil {
		return nil
	}

	if attempts >= g.retry.MaxAttempts && isRetryable(err, op) {
		err = rkerrors.WrapRetriesExhausted(fmt.Errorf("giving up after %d attempts: %w", attempts, err))
	}
	return &OperationError{Op: op, Err: err}
}

// Get reads obj by key.
func (g *Gateway) Get(ctx context.Context, key client.ObjectKey, obj client.Object) error {
	op := Operation{Verb: "get", Kind: kindOf(obj), Namespace: key.Namespace, Name: key.Name}
	return g.Invoke(ctx, op, func(ctx context.Context) error {
		return g.client.Get(ctx, key, obj)
	})
}

// List fills list with the objects matching opts.
func (g *Gateway) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	listOpts := &client.ListOptions{}
	listOpts.ApplyOptions(opts)
	op := Operation{Verb: "list", Kind: kindOf(list), Namespace: listOpts.Namespace}
	return g.Invoke(ctx, op, func(ctx context.Context) error {
		return g.client.List(ctx, list, opts...)
	})
}

// Create creates obj. AlreadyExists is not retried and is returned to the
// caller, which decides whether it counts as success.
func (g *Gateway) Create(ctx context.Context, obj client.Object) error {
	op := opFor("create", obj)
	return g.Invoke(ctx, op, func(ctx context.Context) error {
		return g.client.Create(ctx, obj)
	})
}

// Delete deletes obj.
func (g *Gateway) Delete(ctx context.Context, obj client.Object, opts ...client.DeleteOption) error {
	op := opFor("delete", obj)
	return g.Invoke(ctx, op, func(ctx context.Context) error {
		return g.client.Delete(ctx, obj, opts...)
	})
}

// Patch applies patch to obj. NotFound is retried since the target may be
// created concurrently (the default ServiceAccount of a fresh namespace, for
// instance).
func (g *Gateway) Patch(ctx context.Context, obj client.Object, patch client.Patch) error {
	op := opFor("patch", obj)
	op.RetryNotFound = true
	return g.Invoke(ctx, op, func(ctx context.Context) error {
		return g.client.Patch(ctx, obj, patch)
	})
}

// UpdateSubResource updates the named subresource of obj.
func (g *Gateway) UpdateSubResource(ctx context.Context, obj client.Object, subResource string) error {
	op := opFor("update/"+subResource, obj)
	return g.Invoke(ctx, op, func(ctx context.Context) error {
		return g.client.SubResource(subResource).Update(ctx, obj)
	})
}

func opFor(verb string, obj client.Object) Operation {
	return Operation{
		Verb:      verb,
		Kind:      kindOf(obj),
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
}

func kindOf(obj any) string {
	t := reflect.TypeOf(obj)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// isRetryable classifies cluster API errors. Forbidden is retried because
// RBAC bindings for a fresh namespace propagate asynchronously.
func isRetryable(err error, op Operation) bool {
	if err == nil {
		return false
	}

	switch {
	case apierrors.IsForbidden(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsInternalError(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsUnexpectedServerError(err):
		return true
	case op.RetryNotFound && apierrors.IsNotFound(err):
		return true
	case rkerrors.IsTransientConnection(err), rkerrors.IsTransientKubernetesAPI(err):
		return true
	}

	var status apierrors.APIStatus
	if errors.As(err, &status) && status.Status().Code >= 500 {
		return true
	}

	return false
}
