package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pincerlabs/pincer/pkg/cron"
)

// Scheduler is the capability the cron tool needs from the scheduler
// service.
type Scheduler interface {
	AddJob(name string, schedule cron.Schedule, message string, deliver bool, channel, to string, deleteAfterRun bool) (*cron.Job, error)
	RemoveJob(id string) bool
	EnableJob(id string, enabled bool) (*cron.Job, bool)
	ListJobs(includeDisabled bool) []*cron.Job
	Status() cron.Status
}

// CronTool lets the LLM manage scheduled jobs for the conversation it
// runs inside.
type CronTool struct {
	scheduler Scheduler
	channel   string
	chatID    string
}

func NewCronTool(scheduler Scheduler) *CronTool {
	return &CronTool{scheduler: scheduler}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Manage scheduled jobs: add a reminder or recurring task, list jobs, remove, enable or disable them. Jobs fire as agent turns in this conversation."
}

func (t *CronTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"add", "list", "remove", "enable", "disable"},
				"description": "What to do",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Agent-turn message for the job (add)",
			},
			"name": map[string]any{
				"type":        "string",
				"description": "Human-readable job name (add, optional)",
			},
			"at_seconds": map[string]any{
				"type":        "integer",
				"description": "Fire once, this many seconds from now (add)",
			},
			"every_seconds": map[string]any{
				"type":        "integer",
				"description": "Fire repeatedly at this period in seconds (add)",
			},
			"cron_expr": map[string]any{
				"type":        "string",
				"description": "Standard 5-field crontab expression (add)",
			},
			"deliver": map[string]any{
				"type":        "boolean",
				"description": "Deliver the job's response to this chat (add)",
			},
			"job_id": map[string]any{
				"type":        "string",
				"description": "Job id (remove/enable/disable)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) WithContext(channel, chatID string) Tool {
	bound := *t
	bound.channel = channel
	bound.chatID = chatID
	return &bound
}

func (t *CronTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	action, _ := args["action"].(string)

	switch action {
	case "add":
		return t.addJob(args)
	case "list":
		return t.listJobs()
	case "remove":
		id, _ := args["job_id"].(string)
		if id == "" {
			return ErrorResult("job_id is required")
		}
		if !t.scheduler.RemoveJob(id) {
			return ErrorResult(fmt.Sprintf("job %s not found", id))
		}
		return NewToolResult("Cron job removed: " + id)
	case "enable", "disable":
		id, _ := args["job_id"].(string)
		if id == "" {
			return ErrorResult("job_id is required")
		}
		job, ok := t.scheduler.EnableJob(id, action == "enable")
		if !ok {
			return ErrorResult(fmt.Sprintf("job %s not found", id))
		}
		state := "disabled"
		if job.Enabled {
			state = "enabled"
		}
		return NewToolResult(fmt.Sprintf("Cron job %s is now %s", job.ID, state))
	default:
		return ErrorResult(fmt.Sprintf("unknown action: %s", action))
	}
}

func (t *CronTool) addJob(args map[string]any) *ToolResult {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return ErrorResult("message is required")
	}
	if t.channel == "" || t.chatID == "" {
		return ErrorResult("no session context")
	}

	var schedule cron.Schedule
	switch {
	case hasNumber(args, "at_seconds"):
		at := time.Now().Add(time.Duration(numberArg(args, "at_seconds")) * time.Second).UnixMilli()
		schedule = cron.Schedule{Kind: "at", AtMS: &at}
	case hasNumber(args, "every_seconds"):
		every := int64(numberArg(args, "every_seconds")) * 1000
		schedule = cron.Schedule{Kind: "every", EveryMS: &every}
	case args["cron_expr"] != nil:
		expr, _ := args["cron_expr"].(string)
		schedule = cron.Schedule{Kind: "cron", Expr: expr}
	default:
		return ErrorResult("one of at_seconds, every_seconds, or cron_expr is required")
	}

	name, _ := args["name"].(string)
	if name == "" {
		name = firstWords(message, 6)
	}
	deliver, _ := args["deliver"].(bool)
	deleteAfterRun := schedule.Kind == "at"

	job, err := t.scheduler.AddJob(name, schedule, message, deliver, t.channel, t.chatID, deleteAfterRun)
	if err != nil {
		return ErrorResult(err.Error())
	}

	desc := describeSchedule(job.Schedule)
	return NewToolResult(fmt.Sprintf("Cron job added: %s (%s, %s)", job.ID, job.Name, desc))
}

func (t *CronTool) listJobs() *ToolResult {
	jobs := t.scheduler.ListJobs(true)
	if len(jobs) == 0 {
		return NewToolResult("No scheduled jobs")
	}

	var sb strings.Builder
	sb.WriteString("Scheduled jobs:\n")
	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		next := "none"
		if job.State.NextRunAtMS != nil {
			next = time.UnixMilli(*job.State.NextRunAtMS).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&sb, "- %s  %s  [%s, %s]  next: %s\n",
			job.ID, job.Name, describeSchedule(job.Schedule), state, next)
	}
	return NewToolResult(sb.String())
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case "at":
		if s.AtMS != nil {
			return "once at " + time.UnixMilli(*s.AtMS).UTC().Format(time.RFC3339)
		}
		return "once"
	case "every":
		if s.EveryMS != nil {
			return "every " + (time.Duration(*s.EveryMS) * time.Millisecond).String()
		}
		return "periodic"
	case "cron":
		return "cron " + s.Expr
	default:
		return s.Kind
	}
}

func hasNumber(args map[string]any, key string) bool {
	_, ok := args[key].(float64)
	if !ok {
		_, ok = args[key].(int)
	}
	return ok
}

func numberArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
