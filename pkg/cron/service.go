package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/registry"
)

// AgentCaller is the capability a firing job needs from the agent
// actor.
type AgentCaller interface {
	Process(ctx context.Context, channel, senderID, chatID, content string, media []string) (string, error)
}

// ChannelSender delivers a job's response point-to-point.
type ChannelSender interface {
	SendText(ctx context.Context, chatID, content string) error
}

// Service owns the cron store and the set of armed timers. Timers fire
// as enqueued invocations on the scheduler's own mailbox, so firings
// never preempt mutations.
//
// Invariant: at most one armed timer exists per enabled job with a
// next-run time.
type Service struct {
	path      string
	reg       *registry.Registry
	name      string
	agentName string

	mu     sync.Mutex
	store  *storeDoc
	timers map[string]*registry.Token
	self   *registry.Handle

	nowFn func() time.Time
}

// NewService creates a scheduler persisting to path. name is the actor
// name the service is spawned under; agentName is the actor each firing
// resolves.
func NewService(path string, reg *registry.Registry, name, agentName string) *Service {
	return &Service{
		path:      path,
		reg:       reg,
		name:      name,
		agentName: agentName,
		timers:    make(map[string]*registry.Token),
		nowFn:     time.Now,
	}
}

// OnStart loads the store, refreshes stale next-run times, persists,
// and arms a timer for every scheduled job.
func (s *Service) OnStart(ctx context.Context) error {
	self, err := s.reg.Resolve(s.name)
	if err != nil {
		return fmt.Errorf("scheduler cannot resolve itself: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.self = self
	s.store = loadStore(s.path)

	now := s.nowFn().UnixMilli()
	for _, job := range s.store.Jobs {
		if !job.Enabled {
			continue
		}
		if job.State.NextRunAtMS == nil || *job.State.NextRunAtMS <= now {
			job.State.NextRunAtMS = computeNextRun(job.Schedule, now)
			job.UpdatedAtMS = now
		}
	}
	s.persistLocked()

	for _, job := range s.store.Jobs {
		s.armLocked(job)
	}

	logger.InfoCF("cron", "Scheduler started", map[string]any{
		"jobs": len(s.store.Jobs), "store": s.path,
	})
	return nil
}

// Stop cancels every armed timer.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, token := range s.timers {
		token.Cancel()
		delete(s.timers, id)
	}
}

// ensureStoreLocked loads the store on first use. CLI commands mutate
// the store without spawning the scheduler actor; armLocked is a no-op
// there because no self handle exists.
func (s *Service) ensureStoreLocked() {
	if s.store == nil {
		s.store = loadStore(s.path)
	}
}

// computeNextRun returns the next firing time for schedule strictly
// after baseMS, or nil when the schedule has no future firing.
func computeNextRun(schedule Schedule, baseMS int64) *int64 {
	switch schedule.Kind {
	case "at":
		if schedule.AtMS != nil && *schedule.AtMS > baseMS {
			v := *schedule.AtMS
			return &v
		}
		return nil
	case "every":
		if schedule.EveryMS != nil && *schedule.EveryMS > 0 {
			v := baseMS + *schedule.EveryMS
			return &v
		}
		return nil
	case "cron":
		next, err := gronx.NextTickAfter(schedule.Expr, time.UnixMilli(baseMS), false)
		if err != nil {
			return nil
		}
		v := next.UnixMilli()
		return &v
	default:
		return nil
	}
}

// AddJob validates the schedule, stores the job, persists, and arms its
// timer.
func (s *Service) AddJob(name string, schedule Schedule, message string, deliver bool, channel, to string, deleteAfterRun bool) (*Job, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	switch schedule.Kind {
	case "at", "every":
	case "cron":
		if !gronx.New().IsValid(schedule.Expr) {
			return nil, fmt.Errorf("invalid cron expression: %s", schedule.Expr)
		}
	default:
		return nil, fmt.Errorf("unknown schedule kind: %s", schedule.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureStoreLocked()

	now := s.nowFn().UnixMilli()
	job := &Job{
		ID:       uuid.NewString()[:8],
		Name:     name,
		Enabled:  true,
		Schedule: schedule,
		Payload: Payload{
			Kind:    "agent_turn",
			Message: message,
			Deliver: deliver,
			Channel: channel,
			To:      to,
		},
		State:          JobState{NextRunAtMS: computeNextRun(schedule, now)},
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
		DeleteAfterRun: deleteAfterRun,
	}
	s.store.Jobs = append(s.store.Jobs, job)
	s.persistLocked()
	s.armLocked(job)

	logger.InfoCF("cron", "Job added", map[string]any{
		"id": job.ID, "name": name, "kind": schedule.Kind,
	})
	return job.clone(), nil
}

// RemoveJob cancels the job's timer and deletes it.
func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureStoreLocked()

	idx := s.indexLocked(id)
	if idx < 0 {
		return false
	}
	s.disarmLocked(id)
	s.store.Jobs = append(s.store.Jobs[:idx], s.store.Jobs[idx+1:]...)
	s.persistLocked()
	return true
}

// EnableJob toggles a job. Enabling recomputes the next run and arms
// the timer; disabling cancels it and clears the next run.
func (s *Service) EnableJob(id string, enabled bool) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureStoreLocked()

	idx := s.indexLocked(id)
	if idx < 0 {
		return nil, false
	}
	job := s.store.Jobs[idx]
	now := s.nowFn().UnixMilli()

	job.Enabled = enabled
	job.UpdatedAtMS = now
	s.disarmLocked(id)
	if enabled {
		job.State.NextRunAtMS = computeNextRun(job.Schedule, now)
		s.armLocked(job)
	} else {
		job.State.NextRunAtMS = nil
	}
	s.persistLocked()
	return job.clone(), true
}

// ListJobs returns copies of the jobs, optionally including disabled
// ones.
func (s *Service) ListJobs(includeDisabled bool) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureStoreLocked()

	out := make([]*Job, 0, len(s.store.Jobs))
	for _, job := range s.store.Jobs {
		if !includeDisabled && !job.Enabled {
			continue
		}
		out = append(out, job.clone())
	}
	return out
}

// GetJob returns a copy of one job.
func (s *Service) GetJob(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureStoreLocked()
	idx := s.indexLocked(id)
	if idx < 0 {
		return nil, false
	}
	return s.store.Jobs[idx].clone(), true
}

// RunJob fires a job immediately. Disabled jobs run only when force is
// set. Scheduling state for every/cron jobs is untouched; only the
// last-run state is recorded.
func (s *Service) RunJob(ctx context.Context, id string, force bool) bool {
	s.mu.Lock()
	s.ensureStoreLocked()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	job := s.store.Jobs[idx].clone()
	s.mu.Unlock()

	if !job.Enabled && !force {
		return false
	}

	startMS := s.nowFn().UnixMilli()
	err := s.executeJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexLocked(id); idx >= 0 {
		s.recordOutcomeLocked(s.store.Jobs[idx], startMS, err)
		s.persistLocked()
	}
	return true
}

// Status reports the job count and the earliest next-run time across
// enabled jobs.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureStoreLocked()

	st := Status{Enabled: true, JobsCount: len(s.store.Jobs)}
	for _, job := range s.store.Jobs {
		if !job.Enabled || job.State.NextRunAtMS == nil {
			continue
		}
		if st.NextWakeAtMS == nil || *job.State.NextRunAtMS < *st.NextWakeAtMS {
			v := *job.State.NextRunAtMS
			st.NextWakeAtMS = &v
		}
	}
	return st
}

// runScheduledJob is the timer target. It executes on the scheduler's
// mailbox: drop the spent timer handle, re-read the job (it may have
// been disabled or removed while the timer was pending), execute, and
// reschedule.
func (s *Service) runScheduledJob(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.timers, id)
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	job := s.store.Jobs[idx]
	if !job.Enabled {
		s.mu.Unlock()
		return
	}
	snapshot := job.clone()
	s.mu.Unlock()

	startMS := s.nowFn().UnixMilli()
	err := s.executeJob(ctx, snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()

	idx = s.indexLocked(id)
	if idx < 0 {
		return
	}
	job = s.store.Jobs[idx]
	s.recordOutcomeLocked(job, startMS, err)

	now := s.nowFn().UnixMilli()
	if job.Schedule.Kind == "at" {
		if job.DeleteAfterRun {
			s.store.Jobs = append(s.store.Jobs[:idx], s.store.Jobs[idx+1:]...)
			s.persistLocked()
			return
		}
		job.Enabled = false
		job.State.NextRunAtMS = nil
	} else {
		job.State.NextRunAtMS = computeNextRun(job.Schedule, now)
	}
	job.UpdatedAtMS = now
	s.persistLocked()
	if job.Enabled {
		s.armLocked(job)
	}
}

// executeJob resolves the agent by name and runs the payload as a turn,
// then optionally delivers the response to a channel. Delivery failures
// are logged and do not affect job state.
func (s *Service) executeJob(ctx context.Context, job *Job) error {
	agent, err := registry.As[AgentCaller](s.reg, s.agentName)
	if err != nil {
		return fmt.Errorf("resolving agent: %w", err)
	}

	channel := job.Payload.Channel
	if channel == "" {
		channel = "cli"
	}
	chatID := job.Payload.To
	if chatID == "" {
		chatID = "direct"
	}

	response, err := agent.Process(ctx, channel, "cron", chatID, job.Payload.Message, nil)
	if err != nil {
		return fmt.Errorf("agent turn: %w", err)
	}

	if job.Payload.Deliver && job.Payload.To != "" && job.Payload.Channel != "" {
		sender, err := registry.As[ChannelSender](s.reg, "channel."+job.Payload.Channel)
		if err != nil {
			logger.WarnCF("cron", "Cannot deliver job response, channel not resolvable", map[string]any{
				"job": job.ID, "channel": job.Payload.Channel, "error": err.Error(),
			})
			return nil
		}
		if err := sender.SendText(ctx, job.Payload.To, response); err != nil {
			logger.WarnCF("cron", "Job response delivery failed", map[string]any{
				"job": job.ID, "channel": job.Payload.Channel, "error": err.Error(),
			})
		}
	}
	return nil
}

func (s *Service) recordOutcomeLocked(job *Job, startMS int64, err error) {
	job.State.LastRunAtMS = &startMS
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		logger.ErrorCF("cron", "Job execution failed", map[string]any{
			"job": job.ID, "error": err.Error(),
		})
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	job.UpdatedAtMS = s.nowFn().UnixMilli()
}

// armLocked arms the timer for a job with a next-run time. Callers hold
// s.mu.
func (s *Service) armLocked(job *Job) {
	if !job.Enabled || job.State.NextRunAtMS == nil || s.self == nil {
		return
	}
	if token, ok := s.timers[job.ID]; ok {
		token.Cancel()
	}
	id := job.ID
	delay := time.Duration(*job.State.NextRunAtMS-s.nowFn().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = s.self.Delayed(delay, func(ctx context.Context) {
		s.runScheduledJob(ctx, id)
	})
}

func (s *Service) disarmLocked(id string) {
	if token, ok := s.timers[id]; ok {
		token.Cancel()
		delete(s.timers, id)
	}
}

func (s *Service) indexLocked(id string) int {
	for i, job := range s.store.Jobs {
		if job.ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) persistLocked() {
	if err := saveStore(s.path, s.store); err != nil {
		logger.ErrorCF("cron", "Failed to persist job store", map[string]any{
			"path": s.path, "error": err.Error(),
		})
	}
}
