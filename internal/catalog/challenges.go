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
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/mikelane/rangekeeper/api/v1alpha1"
	rkerrors "github.com/mikelane/rangekeeper/internal/errors"
	"github.com/mikelane/rangekeeper/internal/policy"
)

// EnvBinding is a resolved environment variable of a pod.
type EnvBinding struct {
	Name  string
	Value string
}

// ListChallenges returns every published challenge ordered by name.
func (s *Store) ListChallenges(ctx context.Context) ([]Challenge, error) {
	var challenges []Challenge
	if err := s.db.WithContext(ctx).Order("name").Find(&challenges).Error; err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	return challenges, nil
}

// GetChallenge returns a challenge by name, or ErrNotFound.
func (s *Store) GetChallenge(ctx context.Context, name string) (*Challenge, error) {
	var c Challenge
	res := s.db.WithContext(ctx).Where("name = ?", name).Limit(1).Find(&c)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("challenge %q: %w", name, rkerrors.ErrNotFound)
	}
	return &c, nil
}

// GetChallengePods returns the pod definitions of a challenge.
func (s *Store) GetChallengePods(ctx context.Context, challenge string) ([]Pod, error) {
	var pods []Pod
	if err := s.db.WithContext(ctx).Where("challenge_name = ?", challenge).Order("id").Find(&pods).Error; err != nil {
		return nil, fmt.Errorf("failed to get pods of %q: %w", challenge, err)
	}
	return pods, nil
}

// GetNetworkNames returns the networks a pod is attached to.
func (s *Store) GetNetworkNames(ctx context.Context, podName string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&NetRule{}).
		Where("k8s_name = ?", podName).
		Distinct().Order("net_name").Pluck("net_name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get networks of pod %q: %w", podName, err)
	}
	return names, nil
}

// GetDistinctNetworks returns the network names used by a challenge.
func (s *Store) GetDistinctNetworks(ctx context.Context, challenge string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&NetRule{}).
		Where("challenge_name = ?", challenge).
		Distinct().Order("net_name").Pluck("net_name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get networks of %q: %w", challenge, err)
	}
	return names, nil
}

// GetPodsInNetwork returns the pods attached to a network of a challenge.
func (s *Store) GetPodsInNetwork(ctx context.Context, challenge, netname string) ([]string, error) {
	var pods []string
	err := s.db.WithContext(ctx).Model(&NetRule{}).
		Where("challenge_name = ? AND net_name = ?", challenge, netname).
		Order("id").Pluck("k8s_name", &pods).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get pods of network %q: %w", netname, err)
	}
	return pods, nil
}

// GetEnvVars returns the environment bindings of a pod.
func (s *Store) GetEnvVars(ctx context.Context, podName string) ([]EnvBinding, error) {
	var vars []EnvVar
	if err := s.db.WithContext(ctx).Where("k8s_name = ?", podName).Order("id").Find(&vars).Error; err != nil {
		return nil, fmt.Errorf("failed to get env vars of pod %q: %w", podName, err)
	}
	out := make([]EnvBinding, 0, len(vars))
	for _, v := range vars {
		out = append(out, EnvBinding{Name: v.Name, Value: v.Value})
	}
	return out, nil
}

// GetChallengeForPod returns the challenge a pod definition belongs to.
func (s *Store) GetChallengeForPod(ctx context.Context, podName string) (string, error) {
	var pod Pod
	res := s.db.WithContext(ctx).Where("k8s_name = ?", podName).Limit(1).Find(&pod)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", fmt.Errorf("pod %q: %w", podName, rkerrors.ErrNotFound)
	}
	return pod.ChallengeName, nil
}

// ImportChallenge stores a bundle. Re-importing a challenge of the same name
// replaces its pods, networks and env vars in one transaction. Challenge
// objects are selected by task label, so two challenges whose names reduce
// to the same label cannot both be imported.
func (s *Store) ImportChallenge(ctx context.Context, b *v1alpha1.ChallengeBundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	label := policy.TaskLabel(b.Name)
	if label == "" {
		return fmt.Errorf("challenge name %q has no usable task label", b.Name)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var names []string
		if err := tx.Model(&Challenge{}).Where("name <> ?", b.Name).Pluck("name", &names).Error; err != nil {
			return err
		}
		for _, n := range names {
			if policy.TaskLabel(n) == label {
				return fmt.Errorf("%w: %q and %q both reduce to %q", rkerrors.ErrTaskLabelTaken, b.Name, n, label)
			}
		}

		for _, model := range []any{&Pod{}, &NetRule{}, &EnvVar{}} {
			if err := tx.Where("challenge_name = ?", b.Name).Delete(model).Error; err != nil {
				return err
			}
		}

		challenge := Challenge{
			Name:        b.Name,
			Version:     b.Version,
			Description: b.Description,
			Score:       b.Score,
			ScoringType: b.ScoringType,
		}
		if err := tx.Save(&challenge).Error; err != nil {
			return err
		}

		for _, p := range b.Pods {
			pod := Pod{
				ChallengeName: b.Name,
				K8sName:       p.K8sName,
				Image:         p.Image.ImageName,
				RAM:           p.LimitsRAM,
				CPU:           p.LimitsCPU,
				VisibleToUser: p.VisibleToUser,
			}
			if err := tx.Create(&pod).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("pod name %q is already used by another challenge: %w", p.K8sName, err)
				}
				return err
			}
		}

		for _, n := range b.Networks {
			for _, d := range n.Devices {
				rule := NetRule{ChallengeName: b.Name, NetName: n.NetName, K8sName: d}
				if err := tx.Create(&rule).Error; err != nil {
					return err
				}
			}
		}

		for _, e := range b.EnvVars {
			v := EnvVar{ChallengeName: b.Name, K8sName: e.K8sName, Name: strings.TrimSpace(e.Name), Value: e.Value}
			if err := tx.Create(&v).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
