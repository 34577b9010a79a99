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
	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/util/validation"
)

// TeamRequest names a team.
type TeamRequest struct {
	TeamID string `json:"team_id" validate:"required,dns1123label"`
}

// UserRequest names a user of a team.
type UserRequest struct {
	TeamID string `json:"team_id" validate:"required,dns1123label"`
	UserID string `json:"user_id" validate:"required,max=191,excludesall=/\\"`
}

// DeleteTeamRequest names a team to delete and, optionally, who asked.
type DeleteTeamRequest struct {
	TeamID string `json:"team_id" validate:"required,dns1123label"`
	UserID string `json:"user_id" validate:"omitempty,max=191,excludesall=/\\"`
}

// AutogenerateRequest asks for a user to be registered, creating the team if
// needed. Port optionally pins the team's VPN NodePort.
type AutogenerateRequest struct {
	TeamID string `json:"team_id" validate:"required,dns1123label"`
	UserID string `json:"user_id" validate:"required,max=191,excludesall=/\\"`
	Port   int    `json:"port" validate:"omitempty,min=30000,max=32767"`
}

// ChallengeRequest names a challenge of a team.
type ChallengeRequest struct {
	TeamID      string `json:"team_id" validate:"required,dns1123label"`
	ChallengeID string `json:"challenge_id" validate:"required,max=191"`
}

// ChallengeEntry is one element of the challenge list.
type ChallengeEntry struct {
	Name string `json:"challengename"`
}

// RegistrationStatus reports registration progress as strings, the way
// existing clients consume it.
type RegistrationStatus struct {
	TeamStatus string `json:"team_status"`
	UserStatus string `json:"user_status"`
}

// StatusResponse acknowledges an accepted request.
type StatusResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// requestValidator adapts validator to echo.Validator.
type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Team IDs name the team namespace as they are, so two teams can never
	// share one.
	_ = v.RegisterValidation("dns1123label", func(fl validator.FieldLevel) bool {
		return len(validation.IsDNS1123Label(fl.Field().String())) == 0
	})
	return &requestValidator{validate: v}
}

// Validate implements echo.Validator.
func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}
