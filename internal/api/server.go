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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mikelane/rangekeeper/internal/challenge"
	"github.com/mikelane/rangekeeper/internal/events"
	"github.com/mikelane/rangekeeper/internal/registration"
	"github.com/mikelane/rangekeeper/internal/worker"
)

// Registrations reports registration progress.
type Registrations interface {
	Status(ctx context.Context, team, user string) (registration.Status, error)
}

// Challenges lists challenges and the pods of a team.
type Challenges interface {
	ListChallenges(ctx context.Context) ([]string, error)
	GetPodsInNamespace(ctx context.Context, team string, showInvisible bool) ([]challenge.PodSummary, error)
}

// Profiles reads stored VPN client profiles.
type Profiles interface {
	GetUserVPNConfig(ctx context.Context, team, user string) (string, bool, error)
}

// Jobs accepts background work.
type Jobs interface {
	Enqueue(ctx context.Context, job *worker.Job) error
}

// Events opens subscriptions to the event stream.
type Events interface {
	Subscribe(ctx context.Context) (*events.Subscription, error)
}

// Config holds the dependencies and settings of a Server.
type Config struct {
	Addr string

	Registrations Registrations
	Challenges    Challenges
	Profiles      Profiles
	Jobs          Jobs
	Events        Events
	Logger        logr.Logger

	// RateLimit and RateBurst bound the requests per second per team.
	RateLimit float64
	RateBurst int
	// KeepaliveInterval is how often an idle event stream gets a comment.
	KeepaliveInterval time.Duration

	// Registerer and Gatherer back the HTTP metrics and /metrics. They
	// default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server is the HTTP boundary: requests are validated here and turned into
// queries or background jobs.
type Server struct {
	cfg         Config
	echo        *echo.Echo
	logger      logr.Logger
	rateLimiter *RateLimiter
}

// NewServer creates a server and registers its routes.
func NewServer(cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 5 * time.Second
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:         cfg,
		echo:        echo.New(),
		logger:      cfg.Logger.WithName("api"),
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Validator = newRequestValidator()

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogMethod:   true,
		LogRemoteIP: true,
		LogURI:      true,
		LogLatency:  true,
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/ping"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.V(1).Info("Request", "remoteIP", v.RemoteIP, "method", v.Method,
				"uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "rangekeeper",
		Registerer: cfg.Registerer,
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: s.cfg.Gatherer}))
	e.GET("/ping", s.handlePing)

	e.GET("/challenges", s.handleListChallenges)
	e.POST("/challenges/start", s.handleStartChallenge)
	e.POST("/challenges/stop", s.handleStopChallenge)
	e.GET("/teams/:team/pods", s.handleGetPods)

	e.POST("/users", s.handleAddUser)
	e.GET("/users/:team/:user/config", s.handleGetUserConfig)
	e.POST("/autogenerate", s.handleAutogenerate)
	e.POST("/teams/regenerate", s.handleRegenerate)
	e.POST("/teams/delete", s.handleDeleteTeam)

	e.GET("/events", s.handleEvents)
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Addr)
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.echo.Shutdown(ctx)
}
