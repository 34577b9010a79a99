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

import "time"

// Challenge is a published challenge bundle.
type Challenge struct {
	Name        string `gorm:"primaryKey;size:191"`
	Version     string
	Description string `gorm:"type:text"`
	Score       int
	ScoringType string
	CreatedAt   time.Time
}

// Pod is a pod definition belonging to one challenge.
type Pod struct {
	ID            uint   `gorm:"primaryKey"`
	ChallengeName string `gorm:"index;size:191;not null"`
	K8sName       string `gorm:"uniqueIndex;size:63;not null"`
	Image         string `gorm:"not null"`
	RAM           string
	CPU           string
	VisibleToUser bool
}

// NetRule places a pod on a named network of its challenge.
type NetRule struct {
	ID            uint   `gorm:"primaryKey"`
	ChallengeName string `gorm:"index:idx_net_rule_network;size:191;not null"`
	NetName       string `gorm:"index:idx_net_rule_network;size:191;not null"`
	K8sName       string `gorm:"index;size:63;not null"`
}

// EnvVar binds an environment variable to a pod.
type EnvVar struct {
	ID            uint   `gorm:"primaryKey"`
	ChallengeName string `gorm:"size:191;not null"`
	K8sName       string `gorm:"index;size:63;not null"`
	Name          string `gorm:"not null"`
	Value         string `gorm:"type:text"`
}

// Team is a registered tenant.
type Team struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:191;not null"`
	CreatedAt time.Time
}

// VPNPort is the NodePort allocated to a team's VPN. Both columns are unique.
type VPNPort struct {
	Port     int    `gorm:"primaryKey;autoIncrement:false"`
	TeamName string `gorm:"uniqueIndex;size:191;not null"`
}

// VPNConfig stores a user's client profile.
type VPNConfig struct {
	ID       uint   `gorm:"primaryKey"`
	TeamName string `gorm:"uniqueIndex:idx_vpn_config_team_user;size:191;not null"`
	UserName string `gorm:"uniqueIndex:idx_vpn_config_team_user;size:191;not null"`
	Config   string `gorm:"type:text;not null"`
}

// RegistrationProgress is one entry of the append-only registration log.
// The current stage of a (team, user) pair is the highest stage logged.
type RegistrationProgress struct {
	ID        uint   `gorm:"primaryKey"`
	TeamName  string `gorm:"index:idx_progress_team_user;size:191;not null"`
	UserName  string `gorm:"index:idx_progress_team_user;size:191;not null"`
	Stage     int    `gorm:"not null"`
	CreatedAt time.Time
}

// TeamClaim records which user is provisioning a team and on which port.
// The primary key on the team and the unique port make the first insert the
// only winner.
type TeamClaim struct {
	TeamName  string `gorm:"primaryKey;size:191"`
	UserName  string `gorm:"size:191;not null"`
	Port      int    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
}

// AllModels lists every table for migrations.
func AllModels() []any {
	return []any{
		&Challenge{},
		&Pod{},
		&NetRule{},
		&EnvVar{},
		&Team{},
		&VPNPort{},
		&VPNConfig{},
		&RegistrationProgress{},
		&TeamClaim{},
	}
}
