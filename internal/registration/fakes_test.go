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

package registration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mikelane/rangekeeper/internal/certs"
)

// recorder collects the side effects of all fakes in call order.
type recorder struct {
	mu    sync.Mutex
	calls []string
	// fail maps a call prefix to the errors returned by its next calls.
	fail map[string][]error
}

func newRecorder() *recorder {
	return &recorder{fail: map[string][]error{}}
}

func (r *recorder) record(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	for prefix, errs := range r.fail {
		if strings.HasPrefix(call, prefix) && len(errs) > 0 {
			r.fail[prefix] = errs[1:]
			return errs[0]
		}
	}
	return nil
}

func (r *recorder) failNext(prefix string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[prefix] = append(r.fail[prefix], err)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.all() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeAuthority struct{ r *recorder }

func (f fakeAuthority) IssueTeamPKI(_ context.Context, pki certs.TeamPKI) error {
	return f.r.record(fmt.Sprintf("pki:%s:%s:%d:%s", pki.Team, pki.Domain, pki.Port, pki.Protocol))
}

func (f fakeAuthority) DeleteTeam(team string) error {
	return f.r.record("pki-delete:" + team)
}

type fakeNamespaces struct{ r *recorder }

func (f fakeNamespaces) CreateTeamNamespace(_ context.Context, team string) error {
	return f.r.record("namespace:" + team)
}

func (f fakeNamespaces) DeleteNamespace(_ context.Context, team string, _, _ time.Duration) error {
	return f.r.record("namespace-delete:" + team)
}

type fakeVPN struct{ r *recorder }

func (f fakeVPN) CreateTeamVPN(_ context.Context, team string) error {
	return f.r.record("vpn:" + team)
}

func (f fakeVPN) ExposeTeamVPN(_ context.Context, team string, port int) error {
	return f.r.record(fmt.Sprintf("expose:%s:%d", team, port))
}

func (f fakeVPN) RegisterUser(_ context.Context, team, user string) error {
	return f.r.record("user:" + team + "/" + user)
}

func (f fakeVPN) ObtainUserConfig(_ context.Context, team, user string) (string, error) {
	if err := f.r.record("config:" + team + "/" + user); err != nil {
		return "", err
	}
	return "client\nremote vpn.example.org\n# " + team + "/" + user, nil
}
