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

package worker

import (
	"encoding/json"
	"strconv"
	"time"
)

// JobType identifies the handler a job is dispatched to.
type JobType string

const (
	JobTypeRegister       JobType = "register"
	JobTypeReregister     JobType = "reregister"
	JobTypeDeleteTeam     JobType = "delete_team"
	JobTypeStartChallenge JobType = "start_challenge"
	JobTypeStopChallenge  JobType = "stop_challenge"
)

// Job is a unit of background work.
type Job struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"type"`
	Team      string    `json:"team"`
	User      string    `json:"user,omitempty"`
	Challenge string    `json:"challenge,omitempty"`
	Port      int       `json:"port,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Retries   int       `json:"retries"`
}

// NewRegisterJob creates a job registering user into team. A zero port lets
// the registration driver pick one.
func NewRegisterJob(team, user string, port int) *Job {
	return newJob(JobTypeRegister, team, user, "", port)
}

// NewReregisterJob creates a job tearing down and registering team again.
func NewReregisterJob(team, user string) *Job {
	return newJob(JobTypeReregister, team, user, "", 0)
}

// NewDeleteTeamJob creates a job deleting team.
func NewDeleteTeamJob(team, user string) *Job {
	return newJob(JobTypeDeleteTeam, team, user, "", 0)
}

// NewStartChallengeJob creates a job starting challenge for team.
func NewStartChallengeJob(team, challenge string) *Job {
	return newJob(JobTypeStartChallenge, team, "", challenge, 0)
}

// NewStopChallengeJob creates a job stopping challenge for team.
func NewStopChallengeJob(team, challenge string) *Job {
	return newJob(JobTypeStopChallenge, team, "", challenge, 0)
}

func newJob(t JobType, team, user, challenge string, port int) *Job {
	now := time.Now()
	return &Job{
		ID:        generateJobID(t, team, user, challenge, now),
		Type:      t,
		Team:      team,
		User:      user,
		Challenge: challenge,
		Port:      port,
		CreatedAt: now,
	}
}

func generateJobID(t JobType, team, user, challenge string, at time.Time) string {
	id := string(t) + ":" + team
	if user != "" {
		id += "/" + user
	}
	if challenge != "" {
		id += "/" + challenge
	}
	return id + ":" + strconv.FormatInt(at.UnixNano(), 36)
}

// Marshal serializes the job to JSON.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a job from JSON.
func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
