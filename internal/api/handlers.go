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

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mikelane/rangekeeper/internal/challenge"
	"github.com/mikelane/rangekeeper/internal/events"
	"github.com/mikelane/rangekeeper/internal/worker"
)

// unregisteredStatus is reported for a team or user with no progress yet: a
// registration that was just accepted is treated as started.
const unregisteredStatus = "1"

var errRateLimited = errors.New("rate limit exceeded")

// bind decodes and validates a request body, then charges the team's
// token bucket.
func (s *Server) bind(c echo.Context, req any, team func() string) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !s.rateLimiter.Allow(team()) {
		s.logger.Info("Rate limit exceeded", "team", team())
		return echo.NewHTTPError(http.StatusTooManyRequests, errRateLimited.Error())
	}
	return nil
}

func (s *Server) enqueue(c echo.Context, job *worker.Job) error {
	if err := s.cfg.Jobs.Enqueue(c.Request().Context(), job); err != nil {
		s.logger.Error(err, "Failed to enqueue job", "type", job.Type, "team", job.Team)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to queue request")
	}
	return c.JSON(http.StatusAccepted, StatusResponse{Status: "accepted", JobID: job.ID})
}

func (s *Server) internalError(err error, msg string) error {
	s.logger.Error(err, msg)
	return echo.NewHTTPError(http.StatusInternalServerError, msg)
}

func (s *Server) handlePing(c echo.Context) error {
	return c.String(http.StatusOK, "pong")
}

func (s *Server) handleListChallenges(c echo.Context) error {
	names, err := s.cfg.Challenges.ListChallenges(c.Request().Context())
	if err != nil {
		return s.internalError(err, "failed to list challenges")
	}
	entries := make([]ChallengeEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, ChallengeEntry{Name: n})
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleStartChallenge(c echo.Context) error {
	var req ChallengeRequest
	if err := s.bind(c, &req, func() string { return req.TeamID }); err != nil {
		return err
	}
	return s.enqueue(c, worker.NewStartChallengeJob(req.TeamID, req.ChallengeID))
}

func (s *Server) handleStopChallenge(c echo.Context) error {
	var req ChallengeRequest
	if err := s.bind(c, &req, func() string { return req.TeamID }); err != nil {
		return err
	}
	return s.enqueue(c, worker.NewStopChallengeJob(req.TeamID, req.ChallengeID))
}

func (s *Server) handleGetPods(c echo.Context) error {
	team := c.Param("team")
	req := TeamRequest{TeamID: team}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	showInvisible := false
	if raw := c.QueryParam("show_invisible"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid show_invisible")
		}
		showInvisible = v
	}

	pods, err := s.cfg.Challenges.GetPodsInNamespace(c.Request().Context(), team, showInvisible)
	if err != nil {
		return s.internalError(err, "failed to list pods")
	}
	if pods == nil {
		pods = []challenge.PodSummary{}
	}
	return c.JSON(http.StatusOK, pods)
}

func (s *Server) handleAddUser(c echo.Context) error {
	var req UserRequest
	if err := s.bind(c, &req, func() string { return req.TeamID }); err != nil {
		return err
	}

	_, exists, err := s.cfg.Profiles.GetUserVPNConfig(c.Request().Context(), req.TeamID, req.UserID)
	if err != nil {
		return s.internalError(err, "failed to look up user")
	}
	if exists {
		return c.JSON(http.StatusOK, StatusResponse{Status: "user already registered"})
	}
	return s.enqueue(c, worker.NewRegisterJob(req.TeamID, req.UserID, 0))
}

func (s *Server) handleGetUserConfig(c echo.Context) error {
	req := UserRequest{TeamID: c.Param("team"), UserID: c.Param("user")}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	config, exists, err := s.cfg.Profiles.GetUserVPNConfig(c.Request().Context(), req.TeamID, req.UserID)
	if err != nil {
		return s.internalError(err, "failed to look up user config")
	}
	if !exists {
		return echo.NewHTTPError(http.StatusNotFound, "user config not found")
	}
	return c.Blob(http.StatusOK, "application/x-openvpn-profile", []byte(config))
}

func (s *Server) handleAutogenerate(c echo.Context) error {
	var req AutogenerateRequest
	if err := s.bind(c, &req, func() string { return req.TeamID }); err != nil {
		return err
	}
	ctx := c.Request().Context()

	status, err := s.cfg.Registrations.Status(ctx, req.TeamID, req.UserID)
	if err != nil {
		return s.internalError(err, "failed to read registration status")
	}

	if !status.UserExists {
		job := worker.NewRegisterJob(req.TeamID, req.UserID, req.Port)
		if err := s.cfg.Jobs.Enqueue(ctx, job); err != nil {
			s.logger.Error(err, "Failed to enqueue job", "type", job.Type, "team", job.Team)
			return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to queue request")
		}
	}

	resp := RegistrationStatus{TeamStatus: unregisteredStatus, UserStatus: unregisteredStatus}
	if status.TeamExists {
		resp.TeamStatus = strconv.Itoa(status.TeamStage)
	}
	if status.UserExists {
		resp.UserStatus = strconv.Itoa(status.UserStage)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRegenerate(c echo.Context) error {
	var req UserRequest
	if err := s.bind(c, &req, func() string { return req.TeamID }); err != nil {
		return err
	}
	return s.enqueue(c, worker.NewReregisterJob(req.TeamID, req.UserID))
}

func (s *Server) handleDeleteTeam(c echo.Context) error {
	var req DeleteTeamRequest
	if err := s.bind(c, &req, func() string { return req.TeamID }); err != nil {
		return err
	}
	return s.enqueue(c, worker.NewDeleteTeamJob(req.TeamID, req.UserID))
}

// handleEvents streams published events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	ctx := c.Request().Context()

	sub, err := s.cfg.Events.Subscribe(ctx)
	if err != nil {
		return s.internalError(err, "failed to subscribe to events")
	}
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(b []byte) error {
		if _, err := w.Write(b); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	if err := write(events.Keepalive); err != nil {
		return nil
	}

	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := write(events.Keepalive); err != nil {
				return nil
			}
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			frame, err := events.FormatSSE(msg.Payload)
			if err != nil {
				s.logger.Info("Dropping malformed event", "error", err.Error())
				continue
			}
			if err := write(frame); err != nil {
				return nil
			}
		}
	}
}
