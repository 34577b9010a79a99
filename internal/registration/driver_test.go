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
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mikelane/rangekeeper/internal/catalog"
	rkerrors "github.com/mikelane/rangekeeper/internal/errors"
	"github.com/mikelane/rangekeeper/internal/events"
)

var storeSeq atomic.Int64

var _ = Describe("Registration Driver", func() {
	var (
		ctx       context.Context
		store     *catalog.Store
		calls     *recorder
		published *events.Recorder
		driver    *Driver
		cfg       Config
	)

	newDriver := func() *Driver {
		return NewDriver(store, fakeAuthority{calls}, fakeNamespaces{calls}, fakeVPN{calls}, published, cfg)
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		store, err = catalog.Open(catalog.Config{
			Driver: "sqlite",
			DSN:    fmt.Sprintf("file:registration_%d?mode=memory&cache=shared", storeSeq.Add(1)),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Migrate(ctx)).To(Succeed())

		calls = newRecorder()
		published = &events.Recorder{}
		cfg = Config{
			Domain:       "vpn.example.org",
			PollInterval: 10 * time.Millisecond,
			WaitTimeout:  5 * time.Second,
		}
		driver = newDriver()
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	userStage := func(team, user string) int {
		stage, ok, err := store.GetUserProgress(ctx, team, user)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue(), "no progress for %s/%s", team, user)
		return stage
	}

	Describe("Scenario: first user of a new team", func() {
		It("provisions the team and the user through stages 1 to 9", func() {
			outcome, err := driver.Register(ctx, Request{Team: "red", User: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(TeamAndUserRegistered))

			Expect(published.Stages("red", "alice")).To(Equal([]int{1, 2, 3, 4, 5, 6, 7, 8, 9}))
			Expect(calls.all()).To(Equal([]string{
				"pki:red:vpn.example.org:31200:udp",
				"namespace:red",
				"vpn:red",
				"expose:red:31200",
				"user:red/alice",
				"config:red/alice",
			}))

			By("committing the team and its port to the catalog")
			_, ok, err := store.GetTeamID(ctx, "red")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			port, ok, err := store.GetTeamPort(ctx, "red")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(port).To(Equal(31200))

			By("storing the user's profile")
			profile, ok, err := store.GetUserVPNConfig(ctx, "red", "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(profile).To(ContainSubstring("red/alice"))
		})

		It("uses the requested port", func() {
			_, err := driver.Register(ctx, Request{Team: "red", User: "alice", Port: 31250})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls.all()).To(ContainElement("expose:red:31250"))
		})
	})

	Describe("Scenario: more users join a provisioned team", func() {
		BeforeEach(func() {
			_, err := driver.Register(ctx, Request{Team: "red", User: "alice"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("runs only the user stages for a new member", func() {
			outcome, err := driver.Register(ctx, Request{Team: "red", User: "bob"})
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(UserRegistered))
			Expect(published.Stages("red", "bob")).To(Equal([]int{6, 7, 8, 9}))
			Expect(calls.count("pki:")).To(Equal(1))
			Expect(calls.count("namespace:")).To(Equal(1))
		})

		It("is a no-op for a user that completed registration", func() {
			before := len(published.Events())

			outcome, err := driver.Register(ctx, Request{Team: "red", User: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(AlreadyRegistered))
			Expect(published.Events()).To(HaveLen(before))
			Expect(calls.count("user:")).To(Equal(1))
		})
	})

	Describe("Scenario: resuming after a crash", func() {
		It("runs only the stages after the persisted one", func() {
			_, err := store.ClaimTeam(ctx, "red", "alice", 31207)
			Expect(err).NotTo(HaveOccurred())
			for stage := 1; stage <= 4; stage++ {
				Expect(store.SetRegistrationProgress(ctx, "red", "alice", stage)).To(Succeed())
			}

			outcome, err := driver.Register(ctx, Request{Team: "red", User: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(TeamAndUserRegistered))

			Expect(published.Stages("red", "alice")).To(Equal([]int{5, 6, 7, 8, 9}))
			Expect(calls.all()).To(Equal([]string{
				"expose:red:31207",
				"user:red/alice",
				"config:red/alice",
			}))
		})

		It("resumes from the failed step on the next call", func() {
			calls.failNext("namespace:", rkerrors.ErrMissingPullSecret)

			_, err := driver.Register(ctx, Request{Team: "red", User: "alice"})
			Expect(err).To(MatchError(rkerrors.ErrMissingPullSecret))
			Expect(rkerrors.IsTransient(err)).To(BeTrue())
			Expect(userStage("red", "alice")).To(Equal(StageCertsGenerated))

			outcome, err := driver.Register(ctx, Request{Team: "red", User: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(TeamAndUserRegistered))
			Expect(calls.count("pki:")).To(Equal(1))
			Expect(calls.count("namespace:")).To(Equal(2))
			Expect(userStage("red", "alice")).To(Equal(StageUserRegistered))
		})

		It("resumes a user registration stopped at stage 8", func() {
			calls.failNext("config:", errors.New("profile not readable"))

			_, err := driver.Register(ctx, Request{Team: "red", User: "alice"})
			Expect(err).To(HaveOccurred())
			Expect(userStage("red", "alice")).To(Equal(StageUserConfigIssued))

			_, err = driver.Register(ctx, Request{Team: "red", User: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls.count("user:")).To(Equal(1))
			Expect(calls.count("config:")).To(Equal(2))
		})
	})

	Describe("Scenario: team is being reregistered", func() {
		It("reports busy without touching the catalog", func() {
			Expect(store.SetRegistrationProgress(ctx, "red", "alice", StageBusy)).To(Succeed())

			_, err := driver.Register(ctx, Request{Team: "red", User: "bob"})
			Expect(err).To(MatchError(rkerrors.ErrBusy))

			_, ok, err := store.GetUserProgress(ctx, "red", "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(calls.all()).To(BeEmpty())
			Expect(published.Events()).To(BeEmpty())
		})

		It("stops a waiting user when the team turns busy", func() {
			_, err := store.ClaimTeam(ctx, "red", "alice", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.SetRegistrationProgress(ctx, "red", "alice", StageCertsStarted)).To(Succeed())

			errCh := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := driver.Register(ctx, Request{Team: "red", User: "bob"})
				errCh <- err
			}()

			Eventually(func() []int { return published.Stages("red", "bob") }).Should(Equal([]int{StageWaiting}))
			Expect(store.SetRegistrationProgress(ctx, "red", "alice", StageBusy)).To(Succeed())

			Eventually(errCh).Should(Receive(MatchError(rkerrors.ErrBusy)))
		})
	})

	Describe("Scenario: waiting for another user", func() {
		It("gives up after the wait timeout", func() {
			cfg.WaitTimeout = 50 * time.Millisecond
			driver = newDriver()

			_, err := store.ClaimTeam(ctx, "red", "alice", 0)
			Expect(err).NotTo(HaveOccurred())

			_, err = driver.Register(ctx, Request{Team: "red", User: "bob"})
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, rkerrors.ErrBusy)).To(BeFalse())
			Expect(err.Error()).To(ContainSubstring("waiting for team"))
			Expect(calls.all()).To(BeEmpty())
		})
	})

	Describe("Scenario: two users of a new team register concurrently", func() {
		It("provisions the team exactly once and registers both users", func() {
			users := []string{"alice", "bob"}
			outcomes := make([]Outcome, len(users))
			errs := make([]error, len(users))

			var wg sync.WaitGroup
			for i, user := range users {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					outcomes[i], errs[i] = driver.Register(ctx, Request{Team: "teamA", User: user})
				}()
			}
			wg.Wait()

			Expect(errs).To(HaveEach(BeNil()))
			Expect(outcomes).To(ContainElement(TeamAndUserRegistered))
			Expect(outcomes).To(ContainElement(UserRegistered))

			Expect(calls.count("pki:")).To(Equal(1))
			Expect(calls.count("namespace:")).To(Equal(1))
			Expect(calls.count("expose:")).To(Equal(1))
			Expect(calls.count("user:")).To(Equal(2))

			for _, user := range users {
				Expect(userStage("teamA", user)).To(Equal(StageUserRegistered))
			}

			teams, err := store.ListTeams(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(teams).To(HaveLen(1))
			port, ok, err := store.GetTeamPort(ctx, "teamA")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			owner, _, err := store.GetPortOwner(ctx, port)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal("teamA"))
		})
	})

	Describe("Scenario: deleting a team", func() {
		It("removes the namespace, the PKI and every catalog row", func() {
			_, err := driver.Register(ctx, Request{Team: "red", User: "alice"})
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.DeleteTeam(ctx, "red", "alice")).To(Succeed())

			Expect(calls.all()).To(ContainElements("namespace-delete:red", "pki-delete:red"))
			Expect(published.Stages("red", "alice")).To(ContainElement(StageBusy))

			known, err := store.TeamKnown(ctx, "red")
			Expect(err).NotTo(HaveOccurred())
			Expect(known).To(BeFalse())
		})

		It("keeps the team busy when the namespace does not go away", func() {
			calls.failNext("namespace-delete:", rkerrors.ErrDeleteTimeout)

			err := driver.DeleteTeam(ctx, "red", "alice")
			Expect(err).To(MatchError(rkerrors.ErrDeleteTimeout))

			status, err := driver.Status(ctx, "red", "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.TeamStage).To(Equal(StageBusy))
		})
	})

	Describe("Scenario: reregistering a team", func() {
		It("rebuilds the team on the port it had", func() {
			_, err := driver.Register(ctx, Request{Team: "blue", User: "carol"})
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.Register(ctx, Request{Team: "red", User: "alice", Port: 31209})
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.Register(ctx, Request{Team: "red", User: "bob"})
			Expect(err).NotTo(HaveOccurred())

			outcome, err := driver.Reregister(ctx, "red", "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(TeamAndUserRegistered))

			Expect(calls.count("expose:red:31209")).To(Equal(2))
			Expect(calls.count("pki-delete:red")).To(Equal(1))

			port, _, err := store.GetTeamPort(ctx, "red")
			Expect(err).NotTo(HaveOccurred())
			Expect(port).To(Equal(31209))

			By("dropping the profiles of the old members")
			_, ok, err := store.GetUserVPNConfig(ctx, "red", "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(userStage("red", "bob")).To(Equal(StageUserRegistered))

			By("leaving other teams alone")
			Expect(userStage("blue", "carol")).To(Equal(StageUserRegistered))
		})
	})

	Describe("Status", func() {
		It("reports missing progress", func() {
			status, err := driver.Status(ctx, "red", "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.TeamExists).To(BeFalse())
			Expect(status.UserExists).To(BeFalse())
		})

		It("reports team and user stages", func() {
			_, err := driver.Register(ctx, Request{Team: "red", User: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(store.SetRegistrationProgress(ctx, "red", "bob", StageWaiting)).To(Succeed())

			status, err := driver.Status(ctx, "red", "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(Status{
				TeamStage:  StageUserRegistered,
				TeamExists: true,
				UserStage:  StageWaiting,
				UserExists: true,
			}))
		})
	})
})
