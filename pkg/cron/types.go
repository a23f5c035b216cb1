// Package cron persists scheduled jobs and fires them as agent turns.
package cron

// Schedule is a tagged variant: one-shot absolute time, fixed period,
// or a 5-field crontab expression.
type Schedule struct {
	Kind    string `json:"kind"` // "at" | "every" | "cron"
	AtMS    *int64 `json:"atMs,omitempty"`
	EveryMS *int64 `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
}

// Payload describes what a firing does: an agent turn, optionally
// delivered to a channel.
type Payload struct {
	Kind    string `json:"kind"` // "agent_turn"
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// JobState tracks scheduling and the outcome of the last firing.
type JobState struct {
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMS *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// Job is one scheduled entry. Field names on disk are lowerCamelCase;
// the document format is stable.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMS    int64    `json:"createdAtMs"`
	UpdatedAtMS    int64    `json:"updatedAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun"`
}

func (j *Job) clone() *Job {
	c := *j
	if j.State.NextRunAtMS != nil {
		v := *j.State.NextRunAtMS
		c.State.NextRunAtMS = &v
	}
	if j.State.LastRunAtMS != nil {
		v := *j.State.LastRunAtMS
		c.State.LastRunAtMS = &v
	}
	if j.Schedule.AtMS != nil {
		v := *j.Schedule.AtMS
		c.Schedule.AtMS = &v
	}
	if j.Schedule.EveryMS != nil {
		v := *j.Schedule.EveryMS
		c.Schedule.EveryMS = &v
	}
	return &c
}

// Status is the scheduler summary reported to operators and the cron
// tool.
type Status struct {
	Enabled      bool   `json:"enabled"`
	JobsCount    int    `json:"jobsCount"`
	NextWakeAtMS *int64 `json:"nextWakeAtMs,omitempty"`
}
