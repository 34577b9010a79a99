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

package cli

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/rangekeeper/internal/registration"
	"github.com/mikelane/rangekeeper/internal/worker"
)

// Registrar runs registration jobs.
type Registrar interface {
	Register(ctx context.Context, req registration.Request) (registration.Outcome, error)
	Reregister(ctx context.Context, team, user string) (registration.Outcome, error)
	DeleteTeam(ctx context.Context, team, user string) error
}

// ChallengeRunner runs challenge jobs.
type ChallengeRunner interface {
	StartChallenge(ctx context.Context, team, challenge string) error
	StopChallenge(ctx context.Context, team, challenge string) error
}

// jobHandlers maps every job type to the component that runs it.
func jobHandlers(r Registrar, c ChallengeRunner) map[worker.JobType]worker.Handler {
	return map[worker.JobType]worker.Handler{
		worker.JobTypeRegister: worker.HandlerFunc(func(ctx context.Context, job *worker.Job) error {
			outcome, err := r.Register(ctx, registration.Request{Team: job.Team, User: job.User, Port: job.Port})
			if err == nil {
				log.FromContext(ctx).Info("Registration finished", "user", job.User, "outcome", outcome)
			}
			return err
		}),
		worker.JobTypeReregister: worker.HandlerFunc(func(ctx context.Context, job *worker.Job) error {
			outcome, err := r.Reregister(ctx, job.Team, job.User)
			if err == nil {
				log.FromContext(ctx).Info("Team re-registered", "user", job.User, "outcome", outcome)
			}
			return err
		}),
		worker.JobTypeDeleteTeam: worker.HandlerFunc(func(ctx context.Context, job *worker.Job) error {
			return r.DeleteTeam(ctx, job.Team, job.User)
		}),
		worker.JobTypeStartChallenge: worker.HandlerFunc(func(ctx context.Context, job *worker.Job) error {
			return c.StartChallenge(ctx, job.Team, job.Challenge)
		}),
		worker.JobTypeStopChallenge: worker.HandlerFunc(func(ctx context.Context, job *worker.Job) error {
			return c.StopChallenge(ctx, job.Team, job.Challenge)
		}),
	}
}
