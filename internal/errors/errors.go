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

// Package errors defines the error taxonomy shared by the orchestration
// packages. Transient errors are the few a worker may requeue. The
// classifiers for connection and cluster API failures serve the gateway's own
// retry loop, and an exhausted gateway budget is final.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrTransientConnection indicates a transient connection error that should be retried.
var ErrTransientConnection = errors.New("transient connection error")

// ErrRetriesExhausted marks a cluster API error the gateway already retried
// until its attempt budget ran out. It is never requeued.
var ErrRetriesExhausted = errors.New("cluster API retries exhausted")

// ErrBusy is returned when a team is being deleted or re-registered.
var ErrBusy = errors.New("team is being reregistered")

// ErrDeleteTimeout is returned when a namespace is still present after the
// deletion timeout elapsed.
var ErrDeleteTimeout = errors.New("timed out waiting for namespace deletion")

// ErrAlreadyAllocated is returned when a VPN port is already owned by another
// team, or the team already owns a different port.
var ErrAlreadyAllocated = errors.New("port already allocated")

// ErrTeamExists is returned by the catalog when inserting a duplicate team.
var ErrTeamExists = errors.New("team already exists")

// ErrMissingPullSecret is returned when the shared image pull secret cannot be
// found in its source namespace.
var ErrMissingPullSecret = errors.New("shared image pull secret not found")

// ErrNamespaceTaken is returned when a team's namespace already exists but
// belongs to another team or was not created by rangekeeper.
var ErrNamespaceTaken = errors.New("namespace belongs to another owner")

// ErrTaskLabelTaken is returned when a challenge name reduces to the same task
// label as another challenge.
var ErrTaskLabelTaken = errors.New("task label used by another challenge")

// ErrNotFound is returned by catalog lookups that found no row.
var ErrNotFound = errors.New("not found")

// IsTransientConnection checks if an error is a transient connection error.
func IsTransientConnection(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransientConnection) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"no such host",
		"network is unreachable",
		"broken pipe",
		"tls handshake timeout",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsTransientKubernetesAPI checks if an error is a transient cluster API error.
func IsTransientKubernetesAPI(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"rate limit",
		"too many requests",
		"service unavailable",
		"internal error occurred",
		"the server has received too many requests",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// WrapRetriesExhausted marks err as having used up the gateway's retries.
// An error already marked is returned as-is.
func WrapRetriesExhausted(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrRetriesExhausted) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
}

// IsTransient reports whether a job that failed with err is worth requeueing.
// Only a busy team, a namespace still terminating and a missing pull secret
// qualify: the same request is expected to succeed once the competing work
// finishes or an operator fixes the cluster. Cluster API errors were already
// retried by the gateway and are final here.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrRetriesExhausted) {
		return false
	}
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrDeleteTimeout) || errors.Is(err, ErrMissingPullSecret)
}
