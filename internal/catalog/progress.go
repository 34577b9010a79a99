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
	"database/sql"
	"fmt"
)

// GetTeamProgress returns the highest stage logged for any user of team.
func (s *Store) GetTeamProgress(ctx context.Context, team string) (int, bool, error) {
	var stage sql.NullInt64
	err := s.db.WithContext(ctx).Model(&RegistrationProgress{}).
		Select("MAX(stage)").
		Where("team_name = ?", team).
		Scan(&stage).Error
	if err != nil {
		return 0, false, fmt.Errorf("failed to get progress of team %q: %w", team, err)
	}
	return int(stage.Int64), stage.Valid, nil
}

// GetUserProgress returns the highest stage logged for a (team, user) pair.
func (s *Store) GetUserProgress(ctx context.Context, team, user string) (int, bool, error) {
	var stage sql.NullInt64
	err := s.db.WithContext(ctx).Model(&RegistrationProgress{}).
		Select("MAX(stage)").
		Where("team_name = ? AND user_name = ?", team, user).
		Scan(&stage).Error
	if err != nil {
		return 0, false, fmt.Errorf("failed to get progress of %s/%s: %w", team, user, err)
	}
	return int(stage.Int64), stage.Valid, nil
}

// SetRegistrationProgress appends a stage to the registration log.
func (s *Store) SetRegistrationProgress(ctx context.Context, team, user string, stage int) error {
	row := RegistrationProgress{TeamName: team, UserName: user, Stage: stage}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to set progress of %s/%s to %d: %w", team, user, stage, err)
	}
	return nil
}
