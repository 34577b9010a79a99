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

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// DefaultChannel is the pub/sub channel all rangekeeper events go to.
const DefaultChannel = "ahaz_events"

const (
	TypeRegistrationProgress = "registration_progress"
	TypePodStatus            = "pod_status"
)

// Event is the envelope published on the events channel.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// RegistrationProgress reports a stage transition of a (team, user) pair.
type RegistrationProgress struct {
	TeamID   string `json:"team_id"`
	UserID   string `json:"user_id"`
	Progress int    `json:"progress"`
}

// PodStatus reports a phase change of a pod in a team namespace.
type PodStatus struct {
	TeamID string `json:"team_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	IP     string `json:"ip"`
}

// NewRegistrationProgress builds a registration_progress event.
func NewRegistrationProgress(team, user string, stage int) Event {
	return Event{
		Type: TypeRegistrationProgress,
		Data: RegistrationProgress{TeamID: team, UserID: user, Progress: stage},
	}
}

// NewPodStatus builds a pod_status event.
func NewPodStatus(team, name, status, ip string) Event {
	return Event{
		Type: TypePodStatus,
		Data: PodStatus{TeamID: team, Name: name, Status: status, IP: ip},
	}
}

// Publisher publishes events. Publishing is best effort: failures are logged
// by the implementation and never surface to the caller.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// RedisPublisher publishes events with Redis PUBLISH.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher writing to channel, or DefaultChannel
// when channel is empty.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Channel returns the channel events are published to.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	logger := log.FromContext(ctx).WithValues("channel", p.channel, "type", event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		logger.Error(err, "Failed to encode event")
		return
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		logger.Error(err, "Failed to publish event")
	}
}

// Subscription is an open subscription to the events channel.
type Subscription struct {
	pubsub *redis.PubSub
}

// Subscribe subscribes to the publisher's channel. The subscription is
// confirmed before Subscribe returns, so events published afterwards are
// delivered.
func (p *RedisPublisher) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := p.client.Subscribe(ctx, p.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", p.channel, err)
	}
	return &Subscription{pubsub: pubsub}, nil
}

// Messages returns the raw payloads published on the channel.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// FormatSSE renders a published payload as a server-sent event: one data
// line per line of the JSON data followed by the event type. Payloads that
// are not event envelopes are rejected.
func FormatSSE(payload string) ([]byte, error) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	if envelope.Type == "" {
		return nil, errors.New("invalid event payload: missing type")
	}

	var buf bytes.Buffer
	for _, line := range bytes.Split(envelope.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteString("event: ")
	buf.WriteString(envelope.Type)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Keepalive is the SSE comment sent while no event arrives.
var Keepalive = []byte(":keepalive\n\n")

// Recorder is a Publisher that keeps events in memory. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stages returns the progress values recorded for a (team, user) pair.
func (r *Recorder) Stages(team, user string) []int {
	var stages []int
	for _, e := range r.Events() {
		p, ok := e.Data.(RegistrationProgress)
		if ok && p.TeamID == team && p.UserID == user {
			stages = append(stages, p.Progress)
		}
	}
	return stages
}
