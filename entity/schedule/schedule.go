// Copyright 2025 Nguyen Nhat Nguyen
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

// Package schedule models one recurring job as a single-writer entity.
// The entity keeps itself running through a self-rescheduling RunSchedule
// signal; an execution token regenerated on every state-affecting
// transition invalidates any signal that was in flight when the schedule
// changed.
package schedule

import (
	"fmt"
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/entity"
	"github.com/robfig/cron/v3"
)

// Name is the entity type name schedules register under.
const Name = "schedule"

// RunOperation is the self-signal that drives the recurring loop.
const RunOperation = "RunSchedule"

// Status is the schedule's lifecycle state.
type Status string

const (
	StatusUninitialized Status = "UNINITIALIZED"
	StatusProvisioning  Status = "PROVISIONING"
	StatusActive        Status = "ACTIVE"
	StatusUpdating      Status = "UPDATING"
	StatusPaused        Status = "PAUSED"
	StatusFailed        Status = "FAILED"
)

// Config is the user-supplied definition of the recurring job. Exactly one
// of Interval and CronExpression must be set. Version increments on every
// accepted update.
type Config struct {
	OrchestrationName       string        `json:"orchestration_name"        msgpack:"orchestration_name"`
	OrchestrationInstanceID string        `json:"orchestration_instance_id" msgpack:"orchestration_instance_id"`
	OrchestrationInput      []byte        `json:"orchestration_input"       msgpack:"orchestration_input"`
	Interval                time.Duration `json:"interval"                  msgpack:"interval"`
	CronExpression          string        `json:"cron_expression"           msgpack:"cron_expression"`
	StartAt                 *time.Time    `json:"start_at"                  msgpack:"start_at"`
	EndAt                   *time.Time    `json:"end_at"                    msgpack:"end_at"`
	StartImmediatelyIfLate  bool          `json:"start_immediately_if_late" msgpack:"start_immediately_if_late"`
	Version                 int64         `json:"version"                   msgpack:"version"`
}

func (c *Config) validate() error {
	if c.OrchestrationName == "" {
		return fmt.Errorf("schedule requires an orchestration name")
	}
	if c.Interval <= 0 && c.CronExpression == "" {
		return fmt.Errorf("schedule requires a positive interval or a cron expression")
	}
	if c.Interval > 0 && c.CronExpression != "" {
		return fmt.Errorf("interval and cron expression are mutually exclusive")
	}
	if c.CronExpression != "" {
		if _, err := cron.ParseStandard(c.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", c.CronExpression, err)
		}
	}
	return nil
}

// LogEntry is one structured record in the schedule's activity log.
// Transition violations land here instead of crossing the entity boundary
// as faults.
type LogEntry struct {
	At           time.Time `json:"at"            msgpack:"at"`
	Operation    string    `json:"operation"     msgpack:"operation"`
	Reason       string    `json:"reason"        msgpack:"reason"`
	FailureType  string    `json:"failure_type"  msgpack:"failure_type"`
	SuggestedFix string    `json:"suggested_fix" msgpack:"suggested_fix"`
}

// Schedule is the entity state. Its exported methods form the operation
// table under state dispatch.
type Schedule struct {
	Status         Status     `json:"status"          msgpack:"status"`
	Config         Config     `json:"config"          msgpack:"config"`
	ExecutionToken string     `json:"execution_token" msgpack:"execution_token"`
	LastRunAt      *time.Time `json:"last_run_at"     msgpack:"last_run_at"`
	NextRunAt      *time.Time `json:"next_run_at"     msgpack:"next_run_at"`
	ActivityLog    []LogEntry `json:"activity_log"    msgpack:"activity_log"`
}

// Dispatcher builds the state dispatcher for schedule entities.
func Dispatcher(conv serde.BinarySerde) (entity.Dispatcher, error) {
	return entity.NewStateDispatcher(func() any { return &Schedule{Status: StatusUninitialized} }, conv)
}

// transitions is the allowed-statuses table keyed by lowercased operation
// name. An operation missing from the table is rejected fail-closed.
var transitions = map[string][]Status{
	"createschedule":   {StatusUninitialized, StatusProvisioning},
	"updateschedule":   {StatusActive, StatusPaused, StatusUpdating, StatusFailed},
	"pauseschedule":    {StatusActive},
	"resumeschedule":   {StatusPaused},
	"runschedule":      {StatusActive},
	"describeschedule": {StatusUninitialized, StatusProvisioning, StatusActive, StatusUpdating, StatusPaused, StatusFailed},
}

// CreateSchedule provisions the schedule and kicks off the recurring loop
// with an immediate self-signal.
func (s *Schedule) CreateSchedule(ctx *entity.Context, cfg Config) error {
	ok, err := s.checkTransition(ctx, "createschedule")
	if err != nil || !ok {
		return err
	}
	if err := cfg.validate(); err != nil {
		s.recordFailure(ctx, "CreateSchedule", err.Error(), "InvalidConfiguration",
			"supply an orchestration name and either an interval or a cron expression")
		return nil
	}

	cfg.Version = 1
	s.Config = cfg
	s.Status = StatusActive
	s.LastRunAt = nil
	s.NextRunAt = nil
	s.ExecutionToken = newToken()

	ctx.Logger().Info("schedule created",
		"orchestration", cfg.OrchestrationName,
		"interval", cfg.Interval,
		"cron", cfg.CronExpression,
	)
	return ctx.SignalSelf(RunOperation, s.ExecutionToken)
}

// UpdateSchedule replaces the timing configuration. The execution token is
// regenerated so the previously signaled run becomes a no-op, and the loop
// is restarted under the new token.
func (s *Schedule) UpdateSchedule(ctx *entity.Context, cfg Config) error {
	ok, err := s.checkTransition(ctx, "updateschedule")
	if err != nil || !ok {
		return err
	}
	if err := cfg.validate(); err != nil {
		s.recordFailure(ctx, "UpdateSchedule", err.Error(), "InvalidConfiguration",
			"supply an orchestration name and either an interval or a cron expression")
		return nil
	}

	resumeStatus := s.Status
	cfg.Version = s.Config.Version + 1
	s.Config = cfg
	s.NextRunAt = nil
	s.ExecutionToken = newToken()

	ctx.Logger().Info("schedule updated", "version", cfg.Version)
	if resumeStatus == StatusPaused {
		// stays paused; resume restarts the loop
		return nil
	}
	s.Status = StatusActive
	return ctx.SignalSelf(RunOperation, s.ExecutionToken)
}

// PauseSchedule stops the recurring loop. The in-flight self-signal is not
// recalled; regenerating the token makes it a no-op when it fires.
func (s *Schedule) PauseSchedule(ctx *entity.Context) error {
	ok, err := s.checkTransition(ctx, "pauseschedule")
	if err != nil || !ok {
		return err
	}

	s.Status = StatusPaused
	s.ExecutionToken = newToken()
	ctx.Logger().Info("schedule paused")
	return nil
}

// ResumeSchedule restarts the loop with a fresh token and a recomputed
// next-run time.
func (s *Schedule) ResumeSchedule(ctx *entity.Context) error {
	ok, err := s.checkTransition(ctx, "resumeschedule")
	if err != nil || !ok {
		return err
	}

	s.Status = StatusActive
	s.NextRunAt = nil
	s.ExecutionToken = newToken()
	ctx.Logger().Info("schedule resumed")
	return ctx.SignalSelf(RunOperation, s.ExecutionToken)
}

// RunSchedule is the self-rescheduling loop body. A stale token means the
// signal was superseded by an update, pause, or resume and is silently
// dropped; otherwise the due orchestration (if any) is started and the
// entity re-signals itself at the next run time, keeping exactly one
// pending self-signal alive.
func (s *Schedule) RunSchedule(ctx *entity.Context, token string) error {
	if token != s.ExecutionToken {
		ctx.Logger().Info("dropping stale schedule signal", "token", token)
		return nil
	}
	ok, err := s.checkTransition(ctx, "runschedule")
	if err != nil || !ok {
		return err
	}

	now := ctx.Now()
	if s.Config.EndAt != nil && now.After(*s.Config.EndAt) {
		s.Status = StatusPaused
		s.ExecutionToken = newToken()
		ctx.Logger().Info("schedule reached its end time, pausing")
		return nil
	}

	if s.NextRunAt == nil {
		next, err := s.computeNextRun(now)
		if err != nil {
			s.Status = StatusFailed
			s.recordFailure(ctx, RunOperation, err.Error(), "NextRunComputation",
				"fix the schedule's interval or cron expression via UpdateSchedule")
			return nil
		}
		s.NextRunAt = &next
	}

	if !now.Before(*s.NextRunAt) {
		if err := s.startRun(ctx, *s.NextRunAt); err != nil {
			return err
		}
		ranAt := now
		s.LastRunAt = &ranAt
		next, err := s.computeNextRun(now)
		if err != nil {
			s.Status = StatusFailed
			s.recordFailure(ctx, RunOperation, err.Error(), "NextRunComputation",
				"fix the schedule's interval or cron expression via UpdateSchedule")
			return nil
		}
		s.NextRunAt = &next
	}

	return ctx.SignalSelf(RunOperation, s.ExecutionToken, entity.WithDeliveryAt(*s.NextRunAt))
}

// Description is the read-only view returned by DescribeSchedule.
type Description struct {
	Status         Status     `json:"status"          msgpack:"status"`
	Config         Config     `json:"config"          msgpack:"config"`
	ExecutionToken string     `json:"execution_token" msgpack:"execution_token"`
	LastRunAt      *time.Time `json:"last_run_at"     msgpack:"last_run_at"`
	NextRunAt      *time.Time `json:"next_run_at"     msgpack:"next_run_at"`
	ActivityLog    []LogEntry `json:"activity_log"    msgpack:"activity_log"`
}

// DescribeSchedule reports the schedule's current state, including any
// recorded transition failures.
func (s *Schedule) DescribeSchedule(ctx *entity.Context) (*Description, error) {
	if _, err := s.checkTransition(ctx, "describeschedule"); err != nil {
		return nil, err
	}
	return &Description{
		Status:         s.Status,
		Config:         s.Config,
		ExecutionToken: s.ExecutionToken,
		LastRunAt:      s.LastRunAt,
		NextRunAt:      s.NextRunAt,
		ActivityLog:    slices.Clone(s.ActivityLog),
	}, nil
}

// startRun starts the target orchestration for the run due at runAt. The
// instance id is stable per run, so a redelivered signal cannot start the
// same run twice.
func (s *Schedule) startRun(ctx *entity.Context, runAt time.Time) error {
	instanceID := s.Config.OrchestrationInstanceID
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s-run-%d", ctx.EntityID(), runAt.Unix())
	}
	ctx.Logger().Info("starting scheduled orchestration",
		"orchestration", s.Config.OrchestrationName,
		"instance_id", instanceID,
	)
	return ctx.StartOrchestration(s.Config.OrchestrationName, instanceID, s.Config.OrchestrationInput)
}

// computeNextRun derives the next due time. First run honors StartAt and
// the start-immediately-if-late policy; subsequent runs advance from the
// last run by one interval, or to the cron expression's next firing.
func (s *Schedule) computeNextRun(now time.Time) (time.Time, error) {
	if s.Config.CronExpression != "" {
		sched, err := cron.ParseStandard(s.Config.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", s.Config.CronExpression, err)
		}
		from := now
		if s.LastRunAt == nil && s.Config.StartAt != nil && s.Config.StartAt.After(now) {
			from = *s.Config.StartAt
		}
		return sched.Next(from), nil
	}

	if s.Config.Interval <= 0 {
		return time.Time{}, fmt.Errorf("schedule has no positive interval")
	}

	if s.LastRunAt != nil {
		return s.LastRunAt.Add(s.Config.Interval), nil
	}

	start := now
	if s.Config.StartAt != nil {
		start = *s.Config.StartAt
	}
	if !start.After(now) {
		if s.Config.StartImmediatelyIfLate {
			return now, nil
		}
		// align the first run to the next interval boundary after StartAt
		elapsed := now.Sub(start)
		missed := elapsed / s.Config.Interval
		return start.Add((missed + 1) * s.Config.Interval), nil
	}
	return start, nil
}

// checkTransition validates the operation against the transition table.
// A disallowed transition with a table entry records a structured failure
// and leaves the configuration unchanged; an operation absent from the
// table fails closed.
func (s *Schedule) checkTransition(ctx *entity.Context, op string) (bool, error) {
	allowed, found := transitions[op]
	if !found {
		return false, fmt.Errorf("no transition entry for operation %q", op)
	}
	if !slices.Contains(allowed, s.Status) {
		s.recordFailure(ctx, op,
			fmt.Sprintf("operation not allowed in status %s", s.Status),
			"InvalidTransition",
			fmt.Sprintf("wait for one of the allowed statuses %v or resume/update the schedule first", allowed),
		)
		return false, nil
	}
	return true, nil
}

func (s *Schedule) recordFailure(ctx *entity.Context, op, reason, failureType, fix string) {
	s.ActivityLog = append(s.ActivityLog, LogEntry{
		At:           ctx.Now(),
		Operation:    op,
		Reason:       reason,
		FailureType:  failureType,
		SuggestedFix: fix,
	})
	ctx.Logger().Warn("schedule operation rejected",
		"operation", op,
		"reason", reason,
		"failure_type", failureType,
	)
}

func newToken() string {
	return uuid.Must(uuid.NewV4()).String()
}
