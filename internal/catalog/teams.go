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

package catalog

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"
	"sigs.k8s.io/controller-runtime/pkg/log"

	rkerrors "github.com/mikelane/rangekeeper/internal/errors"
)

// GetTeamID returns the id of a team row.
func (s *Store) GetTeamID(ctx context.Context, team string) (uint, bool, error) {
	var t Team
	res := s.db.WithContext(ctx).Where("name = ?", team).Limit(1).Find(&t)
	if res.Error != nil {
		return 0, false, fmt.Errorf("failed to get team %q: %w", team, res.Error)
	}
	return t.ID, res.RowsAffected > 0, nil
}

// InsertTeam creates a team row. It fails with ErrTeamExists if the team is
// already present.
func (s *Store) InsertTeam(ctx context.Context, team string) error {
	err := s.db.WithContext(ctx).Create(&Team{Name: team}).Error
	if isDuplicate(err) {
		return fmt.Errorf("%w: %s", rkerrors.ErrTeamExists, team)
	}
	if err != nil {
		return fmt.Errorf("failed to insert team %q: %w", team, err)
	}
	return nil
}

// ListTeams returns all team rows.
func (s *Store) ListTeams(ctx context.Context) ([]Team, error) {
	var teams []Team
	if err := s.db.WithContext(ctx).Order("id").Find(&teams).Error; err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	return teams, nil
}

// GetTeamPort returns the VPN port allocated to a team.
func (s *Store) GetTeamPort(ctx context.Context, team string) (int, bool, error) {
	var p VPNPort
	res := s.db.WithContext(ctx).Where("team_name = ?", team).Limit(1).Find(&p)
	if res.Error != nil {
		return 0, false, fmt.Errorf("failed to get port of %q: %w", team, res.Error)
	}
	return p.Port, res.RowsAffected > 0, nil
}

// GetPortOwner returns the team owning a VPN port.
func (s *Store) GetPortOwner(ctx context.Context, port int) (string, bool, error) {
	var p VPNPort
	res := s.db.WithContext(ctx).Where("port = ?", port).Limit(1).Find(&p)
	if res.Error != nil {
		return "", false, fmt.Errorf("failed to get owner of port %d: %w", port, res.Error)
	}
	return p.TeamName, res.RowsAffected > 0, nil
}

// InsertVPNPort allocates port to team. Allocating the same pair twice is a
// no-op; a port owned by another team, or a second port for the same team,
// fails with ErrAlreadyAllocated.
func (s *Store) InsertVPNPort(ctx context.Context, team string, port int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []VPNPort
		if err := tx.Where("port = ? OR team_name = ?", port, team).Find(&existing).Error; err != nil {
			return err
		}
		for _, e := range existing {
			if e.Port == port && e.TeamName == team {
				return nil
			}
			if e.Port == port {
				return fmt.Errorf("%w: port %d belongs to team %q", rkerrors.ErrAlreadyAllocated, port, e.TeamName)
			}
			return fmt.Errorf("%w: team %q already owns port %d", rkerrors.ErrAlreadyAllocated, team, e.Port)
		}
		return tx.Create(&VPNPort{Port: port, TeamName: team}).Error
	})
	if isDuplicate(err) {
		return fmt.Errorf("%w: port %d: %w", rkerrors.ErrAlreadyAllocated, port, err)
	}
	return err
}

// NextFreePort returns the lowest port at or above the range start that is
// neither allocated nor claimed.
func (s *Store) NextFreePort(ctx context.Context) (int, error) {
	return s.nextFreePort(s.db.WithContext(ctx))
}

func (s *Store) nextFreePort(tx *gorm.DB) (int, error) {
	var allocated, claimed []int
	if err := tx.Model(&VPNPort{}).Where("port >= ?", s.portRangeStart).Pluck("port", &allocated).Error; err != nil {
		return 0, fmt.Errorf("failed to list allocated ports: %w", err)
	}
	if err := tx.Model(&TeamClaim{}).Where("port >= ?", s.portRangeStart).Pluck("port", &claimed).Error; err != nil {
		return 0, fmt.Errorf("failed to list claimed ports: %w", err)
	}

	used := append(allocated, claimed...)
	sort.Ints(used)

	next := s.portRangeStart
	for _, p := range used {
		if p == next {
			next++
		} else if p > next {
			break
		}
	}
	return next, nil
}

// GetUserVPNConfig returns a stored client profile.
func (s *Store) GetUserVPNConfig(ctx context.Context, team, user string) (string, bool, error) {
	var c VPNConfig
	res := s.db.WithContext(ctx).Where("team_name = ? AND user_name = ?", team, user).Limit(1).Find(&c)
	if res.Error != nil {
		return "", false, fmt.Errorf("failed to get vpn config of %s/%s: %w", team, user, res.Error)
	}
	return c.Config, res.RowsAffected > 0, nil
}

// InsertUserVPNConfig stores a client profile. A profile already stored for
// the pair is kept as is.
func (s *Store) InsertUserVPNConfig(ctx context.Context, team, user, config string) error {
	err := s.db.WithContext(ctx).Create(&VPNConfig{TeamName: team, UserName: user, Config: config}).Error
	if isDuplicate(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to store vpn config of %s/%s: %w", team, user, err)
	}
	return nil
}

// maxPortPicks bounds how often ClaimTeam picks a new port after another
// team took the previous pick between the read and the insert.
const maxPortPicks = 5

// ClaimTeam makes user the provisioner of team. Exactly one claim per team
// can exist; the existing claim is returned when another caller got there
// first, so callers compare the returned UserName with their own. A port of
// zero picks the next free port.
func (s *Store) ClaimTeam(ctx context.Context, team, user string, port int) (*TeamClaim, error) {
	for attempt := 1; ; attempt++ {
		claim, err := s.claimTeam(ctx, team, user, port)
		if err == nil {
			return claim, nil
		}
		if !isDuplicate(err) {
			return nil, fmt.Errorf("failed to claim team %q: %w", team, err)
		}

		// Lost a race: read back the winner's claim.
		existing, ok, getErr := s.GetClaim(ctx, team)
		if getErr != nil {
			return nil, getErr
		}
		if ok {
			return existing, nil
		}

		// The duplicate was on the port. A caller-chosen port stays taken; a
		// picked one is picked again.
		if port != 0 || attempt >= maxPortPicks {
			return nil, fmt.Errorf("%w: team %q: %w", rkerrors.ErrAlreadyAllocated, team, err)
		}
		log.FromContext(ctx).V(1).Info("Picked port was taken concurrently, picking again", "team", team, "attempt", attempt)
	}
}

func (s *Store) claimTeam(ctx context.Context, team, user string, port int) (*TeamClaim, error) {
	var claim TeamClaim
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("team_name = ?", team).Limit(1).Find(&claim)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		if port == 0 {
			p, err := s.pickPort(tx)
			if err != nil {
				return err
			}
			port = p
		} else if err := portAvailable(tx, team, port); err != nil {
			return err
		}

		claim = TeamClaim{TeamName: team, UserName: user, Port: port}
		return tx.Create(&claim).Error
	})
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

func portAvailable(tx *gorm.DB, team string, port int) error {
	var owner VPNPort
	res := tx.Where("port = ?", port).Limit(1).Find(&owner)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 && owner.TeamName != team {
		return fmt.Errorf("%w: port %d belongs to team %q", rkerrors.ErrAlreadyAllocated, port, owner.TeamName)
	}

	var claim TeamClaim
	res = tx.Where("port = ?", port).Limit(1).Find(&claim)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 && claim.TeamName != team {
		return fmt.Errorf("%w: port %d is claimed by team %q", rkerrors.ErrAlreadyAllocated, port, claim.TeamName)
	}
	return nil
}

// GetClaim returns the provisioning claim of a team.
func (s *Store) GetClaim(ctx context.Context, team string) (*TeamClaim, bool, error) {
	var claim TeamClaim
	res := s.db.WithContext(ctx).Where("team_name = ?", team).Limit(1).Find(&claim)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to get claim of %q: %w", team, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	return &claim, true, nil
}

// DeleteTeamAndVPN removes the team row, its port, stored profiles, progress
// log and claim in one transaction.
func (s *Store) DeleteTeamAndVPN(ctx context.Context, team string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteTeamRows(tx, team)
	})
	if err != nil {
		return fmt.Errorf("failed to delete team %q: %w", team, err)
	}
	return nil
}

// ResetTeam deletes everything DeleteTeamAndVPN does and, in the same
// transaction, claims the team again for user on port. A re-registration
// uses it so that no other caller can win the team between teardown and the
// new registration.
func (s *Store) ResetTeam(ctx context.Context, team, user string, port int) (*TeamClaim, error) {
	claim := TeamClaim{TeamName: team, UserName: user, Port: port}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteTeamRows(tx, team); err != nil {
			return err
		}
		if port == 0 {
			p, err := s.pickPort(tx)
			if err != nil {
				return err
			}
			claim.Port = p
		}
		return tx.Create(&claim).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reset team %q: %w", team, err)
	}
	return &claim, nil
}

func deleteTeamRows(tx *gorm.DB, team string) error {
	deletes := []struct {
		model any
		where string
	}{
		{&VPNConfig{}, "team_name = ?"},
		{&VPNPort{}, "team_name = ?"},
		{&RegistrationProgress{}, "team_name = ?"},
		{&TeamClaim{}, "team_name = ?"},
		{&Team{}, "name = ?"},
	}
	for _, d := range deletes {
		if err := tx.Where(d.where, team).Delete(d.model).Error; err != nil {
			return err
		}
	}
	return nil
}

// TeamKnown reports whether the catalog holds any trace of team: a team row,
// a claim or registration progress.
func (s *Store) TeamKnown(ctx context.Context, team string) (bool, error) {
	db := s.db.WithContext(ctx)
	for _, q := range []struct {
		model any
		where string
	}{
		{&Team{}, "name = ?"},
		{&TeamClaim{}, "team_name = ?"},
		{&RegistrationProgress{}, "team_name = ?"},
	} {
		var n int64
		if err := db.Model(q.model).Where(q.where, team).Count(&n).Error; err != nil {
			return false, fmt.Errorf("failed to look up team %q: %w", team, err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}
