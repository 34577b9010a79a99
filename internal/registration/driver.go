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
	"errors"
	"fmt"
	"strconv"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/rangekeeper/internal/catalog"
	"github.com/mikelane/rangekeeper/internal/certs"
	rkerrors "github.com/mikelane/rangekeeper/internal/errors"
	"github.com/mikelane/rangekeeper/internal/events"
	"github.com/mikelane/rangekeeper/internal/metrics"
)

// Registration stages. The current stage of a (team, user) pair is the
// highest stage logged for it.
const (
	StageWaiting          = 0
	StageCertsStarted     = 1
	StageCertsGenerated   = 2
	StageNamespaceCreated = 3
	StageVPNCreated       = 4
	StageVPNExposed       = 5
	StageTeamCommitted    = 6
	StageUserStarted      = 7
	StageUserConfigIssued = 8
	StageUserRegistered   = 9
	StageBusy             = 10
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultWaitTimeout  = 30 * time.Minute
	DefaultProtocol     = "udp"
)

// Outcome describes what a successful Register call did.
type Outcome string

const (
	// TeamAndUserRegistered means the call provisioned the team and the user.
	TeamAndUserRegistered Outcome = "team_and_user_registered"
	// UserRegistered means the team existed and the user was added to it.
	UserRegistered Outcome = "user_registered"
	// AlreadyRegistered means the user had completed registration before.
	AlreadyRegistered Outcome = "already_registered"
)

// Catalog is the part of the catalog the driver reads and writes.
type Catalog interface {
	GetTeamProgress(ctx context.Context, team string) (int, bool, error)
	GetUserProgress(ctx context.Context, team, user string) (int, bool, error)
	SetRegistrationProgress(ctx context.Context, team, user string, stage int) error
	ClaimTeam(ctx context.Context, team, user string, port int) (*catalog.TeamClaim, error)
	GetClaim(ctx context.Context, team string) (*catalog.TeamClaim, bool, error)
	GetTeamPort(ctx context.Context, team string) (int, bool, error)
	InsertTeam(ctx context.Context, team string) error
	InsertVPNPort(ctx context.Context, team string, port int) error
	InsertUserVPNConfig(ctx context.Context, team, user, config string) error
	DeleteTeamAndVPN(ctx context.Context, team string) error
	ResetTeam(ctx context.Context, team, user string, port int) (*catalog.TeamClaim, error)
}

// Authority issues and removes team PKI.
type Authority interface {
	IssueTeamPKI(ctx context.Context, pki certs.TeamPKI) error
	DeleteTeam(team string) error
}

// Namespaces creates and deletes team namespaces.
type Namespaces interface {
	CreateTeamNamespace(ctx context.Context, team string) error
	DeleteNamespace(ctx context.Context, team string, timeout, interval time.Duration) error
}

// VPN provisions team VPN gateways and user profiles.
type VPN interface {
	CreateTeamVPN(ctx context.Context, team string) error
	ExposeTeamVPN(ctx context.Context, team string, port int) error
	RegisterUser(ctx context.Context, team, user string) error
	ObtainUserConfig(ctx context.Context, team, user string) (string, error)
}

// Config tunes the driver.
type Config struct {
	// Domain and Protocol are written into the team's server and client
	// configuration.
	Domain   string
	Protocol string

	PollInterval time.Duration
	WaitTimeout  time.Duration

	DeleteTimeout  time.Duration
	DeleteInterval time.Duration
}

// Driver runs (team, user) pairs through the registration stages.
type Driver struct {
	catalog    Catalog
	ca         Authority
	namespaces Namespaces
	vpn        VPN
	publisher  events.Publisher
	cfg        Config
}

// NewDriver creates a registration driver.
func NewDriver(c Catalog, ca Authority, ns Namespaces, vpn VPN, pub events.Publisher, cfg Config) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Protocol == "" {
		cfg.Protocol = DefaultProtocol
	}
	return &Driver{catalog: c, ca: ca, namespaces: ns, vpn: vpn, publisher: pub, cfg: cfg}
}

// Request identifies a registration. Port requests a specific VPN port for a
// new team; zero picks the lowest free one.
type Request struct {
	Team string
	User string
	Port int
}

type step struct {
	stage int
	run   func(ctx context.Context) error
}

// Register drives team and user provisioning for req. It resumes after the
// last stage persisted by a previous attempt and returns ErrBusy when the
// team is being deleted or re-registered.
func (d *Driver) Register(ctx context.Context, req Request) (outcome Outcome, err error) {
	start := time.Now()
	defer func() {
		label := string(outcome)
		if err != nil {
			label = "error"
			if errors.Is(err, rkerrors.ErrBusy) {
				label = "busy"
			}
		}
		metrics.RegistrationDurationSeconds.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	logger := log.FromContext(ctx).WithValues("team", req.Team, "user", req.User)
	ctx = log.IntoContext(ctx, logger)

	teamStage, teamExists, err := d.catalog.GetTeamProgress(ctx, req.Team)
	if err != nil {
		return "", err
	}
	if teamExists && teamStage == StageBusy {
		return "", rkerrors.ErrBusy
	}

	drove := false
	if !teamExists || teamStage < StageTeamCommitted {
		drove, err = d.joinTeam(ctx, req)
		if err != nil {
			return "", err
		}
	} else if err := d.markTeamReady(ctx, req); err != nil {
		return "", err
	}

	if err := d.checkBusy(ctx, req.Team); err != nil {
		return "", err
	}

	registered, err := d.registerUser(ctx, req)
	if err != nil {
		return "", err
	}

	switch {
	case drove:
		outcome = TeamAndUserRegistered
	case registered:
		outcome = UserRegistered
	default:
		outcome = AlreadyRegistered
	}
	logger.Info("Registration finished", "outcome", outcome)
	return outcome, nil
}

// joinTeam claims the team. The claim owner provisions it; everybody else
// waits for the owner to finish. It reports whether this call provisioned.
func (d *Driver) joinTeam(ctx context.Context, req Request) (bool, error) {
	logger := log.FromContext(ctx)

	claim, err := d.catalog.ClaimTeam(ctx, req.Team, req.User, req.Port)
	if err != nil {
		return false, fmt.Errorf("failed to claim team: %w", err)
	}

	if claim.UserName == req.User {
		if err := d.provisionTeam(ctx, req, claim.Port); err != nil {
			return false, err
		}
		return true, nil
	}

	logger.Info("Team is being provisioned by another user, waiting", "owner", claim.UserName)
	if err := d.setProgress(ctx, req.Team, req.User, StageWaiting); err != nil {
		return false, err
	}
	if err := d.waitForTeam(ctx, req.Team); err != nil {
		return false, err
	}
	return false, d.setProgress(ctx, req.Team, req.User, StageTeamCommitted)
}

func (d *Driver) provisionTeam(ctx context.Context, req Request, port int) error {
	logger := log.FromContext(ctx).WithValues("port", port)

	resumeAfter, _, err := d.catalog.GetUserProgress(ctx, req.Team, req.User)
	if err != nil {
		return err
	}

	steps := []step{
		{StageCertsStarted, nil},
		{StageCertsGenerated, func(ctx context.Context) error {
			return d.ca.IssueTeamPKI(ctx, certs.TeamPKI{
				Team:     req.Team,
				Domain:   d.cfg.Domain,
				Port:     port,
				Protocol: d.cfg.Protocol,
			})
		}},
		{StageNamespaceCreated, func(ctx context.Context) error {
			return d.namespaces.CreateTeamNamespace(ctx, req.Team)
		}},
		{StageVPNCreated, func(ctx context.Context) error {
			return d.vpn.CreateTeamVPN(ctx, req.Team)
		}},
		{StageVPNExposed, func(ctx context.Context) error {
			return d.vpn.ExposeTeamVPN(ctx, req.Team, port)
		}},
		{StageTeamCommitted, func(ctx context.Context) error {
			if err := d.catalog.InsertTeam(ctx, req.Team); err != nil && !errors.Is(err, rkerrors.ErrTeamExists) {
				return err
			}
			return d.catalog.InsertVPNPort(ctx, req.Team, port)
		}},
	}

	if resumeAfter > StageCertsStarted {
		logger.Info("Resuming team provisioning", "stage", resumeAfter)
	}
	return d.runSteps(ctx, req, steps, resumeAfter)
}

// markTeamReady records that the user joins an already provisioned team.
func (d *Driver) markTeamReady(ctx context.Context, req Request) error {
	userStage, ok, err := d.catalog.GetUserProgress(ctx, req.Team, req.User)
	if err != nil {
		return err
	}
	if ok && userStage >= StageTeamCommitted {
		return nil
	}
	return d.setProgress(ctx, req.Team, req.User, StageTeamCommitted)
}

// registerUser runs the user stages. It reports false when the user had
// already completed them.
func (d *Driver) registerUser(ctx context.Context, req Request) (bool, error) {
	userStage, _, err := d.catalog.GetUserProgress(ctx, req.Team, req.User)
	if err != nil {
		return false, err
	}
	if userStage >= StageUserRegistered {
		return false, nil
	}
	if userStage < StageTeamCommitted {
		userStage = StageTeamCommitted
	}

	steps := []step{
		{StageUserStarted, nil},
		{StageUserConfigIssued, func(ctx context.Context) error {
			return d.vpn.RegisterUser(ctx, req.Team, req.User)
		}},
		{StageUserRegistered, func(ctx context.Context) error {
			cfg, err := d.vpn.ObtainUserConfig(ctx, req.Team, req.User)
			if err != nil {
				return err
			}
			return d.catalog.InsertUserVPNConfig(ctx, req.Team, req.User, cfg)
		}},
	}
	return true, d.runSteps(ctx, req, steps, userStage)
}

// runSteps runs every step after the stage resumeAfter and logs each stage
// once its work is done.
func (d *Driver) runSteps(ctx context.Context, req Request, steps []step, resumeAfter int) error {
	for _, s := range steps {
		if s.stage <= resumeAfter {
			continue
		}
		if s.run != nil {
			if err := s.run(ctx); err != nil {
				log.FromContext(ctx).Error(err, "Registration stage failed", "stage", s.stage)
				metrics.RegistrationStagesTotal.WithLabelValues(strconv.Itoa(s.stage), "error").Inc()
				return fmt.Errorf("registration of %s/%s failed at stage %d: %w", req.Team, req.User, s.stage, err)
			}
		}
		if err := d.setProgress(ctx, req.Team, req.User, s.stage); err != nil {
			return err
		}
		metrics.RegistrationStagesTotal.WithLabelValues(strconv.Itoa(s.stage), "success").Inc()
	}
	return nil
}

func (d *Driver) waitForTeam(ctx context.Context, team string) error {
	err := wait.PollUntilContextTimeout(ctx, d.cfg.PollInterval, d.cfg.WaitTimeout, true,
		func(ctx context.Context) (bool, error) {
			stage, _, err := d.catalog.GetTeamProgress(ctx, team)
			if err != nil {
				log.FromContext(ctx).Error(err, "Failed to read team progress while waiting")
				return false, nil
			}
			if stage == StageBusy {
				return false, rkerrors.ErrBusy
			}
			return stage >= StageTeamCommitted, nil
		})
	if err == nil || errors.Is(err, rkerrors.ErrBusy) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("timed out after %s waiting for team %q to be provisioned: %w", d.cfg.WaitTimeout, team, err)
}

func (d *Driver) checkBusy(ctx context.Context, team string) error {
	stage, ok, err := d.catalog.GetTeamProgress(ctx, team)
	if err != nil {
		return err
	}
	if ok && stage == StageBusy {
		return rkerrors.ErrBusy
	}
	return nil
}

func (d *Driver) setProgress(ctx context.Context, team, user string, stage int) error {
	if err := d.catalog.SetRegistrationProgress(ctx, team, user, stage); err != nil {
		return err
	}
	d.publisher.Publish(ctx, events.NewRegistrationProgress(team, user, stage))
	return nil
}

// DeleteTeam marks the team busy, deletes its namespace and PKI, then removes
// every catalog row of the team. It can be repeated after a failure.
func (d *Driver) DeleteTeam(ctx context.Context, team, user string) error {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("team", team, "user", user))
	if err := d.teardown(ctx, team, user); err != nil {
		return err
	}
	if err := d.catalog.DeleteTeamAndVPN(ctx, team); err != nil {
		return err
	}
	log.FromContext(ctx).Info("Deleted team")
	return nil
}

// Reregister tears the team down and registers it again for user on the
// port it had. The catalog rows are replaced in a single transaction that
// also claims the team for user, so no other caller can take the team over
// between teardown and the new registration.
func (d *Driver) Reregister(ctx context.Context, team, user string) (Outcome, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("team", team, "user", user))

	port, err := d.teamPort(ctx, team)
	if err != nil {
		return "", err
	}
	if err := d.teardown(ctx, team, user); err != nil {
		return "", err
	}
	claim, err := d.catalog.ResetTeam(ctx, team, user, port)
	if err != nil {
		return "", err
	}

	log.FromContext(ctx).Info("Team torn down, registering again", "port", claim.Port)
	return d.Register(ctx, Request{Team: team, User: user, Port: claim.Port})
}

func (d *Driver) teardown(ctx context.Context, team, user string) error {
	if err := d.setProgress(ctx, team, user, StageBusy); err != nil {
		return err
	}
	if err := d.namespaces.DeleteNamespace(ctx, team, d.cfg.DeleteTimeout, d.cfg.DeleteInterval); err != nil {
		return err
	}
	if err := d.ca.DeleteTeam(team); err != nil {
		return fmt.Errorf("failed to delete PKI of team %q: %w", team, err)
	}
	return nil
}

// teamPort returns the port the team holds, from its committed port row or
// its claim. Zero means the team has none.
func (d *Driver) teamPort(ctx context.Context, team string) (int, error) {
	port, ok, err := d.catalog.GetTeamPort(ctx, team)
	if err != nil || ok {
		return port, err
	}
	claim, ok, err := d.catalog.GetClaim(ctx, team)
	if err != nil || !ok {
		return 0, err
	}
	return claim.Port, nil
}

// Status is the registration state shown to a user.
type Status struct {
	TeamStage  int
	TeamExists bool
	UserStage  int
	UserExists bool
}

// Status returns the current team and user stages.
func (d *Driver) Status(ctx context.Context, team, user string) (Status, error) {
	var s Status
	var err error
	if s.TeamStage, s.TeamExists, err = d.catalog.GetTeamProgress(ctx, team); err != nil {
		return s, err
	}
	if s.UserStage, s.UserExists, err = d.catalog.GetUserProgress(ctx, team, user); err != nil {
		return s, err
	}
	return s, nil
}
