package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pincerlabs/pincer/pkg/cron"
	"github.com/pincerlabs/pincer/pkg/registry"
)

func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(
		newCronListCmd(),
		newCronAddCmd(),
		newCronRemoveCmd(),
		newCronEnableCmd(),
		newCronDisableCmd(),
	)
	return cmd
}

// openCronStore builds a scheduler bound to the store file only. No
// actor is spawned, so no timers arm; the running daemon picks up
// changes on its next start.
func openCronStore() (*cron.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return cron.NewService(cfg.Cron.StorePath, registry.New(), "scheduler", "agent"), nil
}

func newCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openCronStore()
			if err != nil {
				return err
			}
			jobs := svc.ListJobs(true)
			if len(jobs) == 0 {
				fmt.Println("No scheduled jobs.")
				return nil
			}
			for _, job := range jobs {
				status := "enabled"
				if !job.Enabled {
					status = "disabled"
				}
				next := "none"
				if job.State.NextRunAtMS != nil {
					next = time.UnixMilli(*job.State.NextRunAtMS).Format("2006-01-02 15:04")
				}
				fmt.Printf("  %s (%s)\n", job.Name, job.ID)
				fmt.Printf("    Schedule: %s\n", describeSchedule(job.Schedule))
				fmt.Printf("    Status: %s\n", status)
				fmt.Printf("    Next run: %s\n", next)
			}
			return nil
		},
	}
}

func describeSchedule(s cron.Schedule) string {
	switch {
	case s.Kind == "every" && s.EveryMS != nil:
		return fmt.Sprintf("every %ds", *s.EveryMS/1000)
	case s.Kind == "cron":
		return s.Expr
	case s.Kind == "at" && s.AtMS != nil:
		return "once at " + time.UnixMilli(*s.AtMS).Format("2006-01-02 15:04")
	default:
		return s.Kind
	}
}

func newCronAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a new scheduled job",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			message, _ := cmd.Flags().GetString("message")
			everySec, _ := cmd.Flags().GetInt64("every")
			cronExpr, _ := cmd.Flags().GetString("cron")
			deliver, _ := cmd.Flags().GetBool("deliver")
			to, _ := cmd.Flags().GetString("to")
			channel, _ := cmd.Flags().GetString("channel")

			var schedule cron.Schedule
			switch {
			case everySec > 0:
				everyMS := everySec * 1000
				schedule = cron.Schedule{Kind: "every", EveryMS: &everyMS}
			case cronExpr != "":
				schedule = cron.Schedule{Kind: "cron", Expr: cronExpr}
			default:
				return fmt.Errorf("either --every or --cron must be specified")
			}

			svc, err := openCronStore()
			if err != nil {
				return err
			}
			job, err := svc.AddJob(name, schedule, message, deliver, channel, to, false)
			if err != nil {
				return err
			}
			fmt.Printf("Added job '%s' (%s)\n", job.Name, job.ID)
			return nil
		},
	}
	cmd.Flags().StringP("name", "n", "", "Job name")
	cmd.MarkFlagRequired("name")
	cmd.Flags().StringP("message", "m", "", "Message for the agent")
	cmd.MarkFlagRequired("message")
	cmd.Flags().Int64P("every", "e", 0, "Run every N seconds")
	cmd.Flags().StringP("cron", "c", "", "Cron expression (e.g. '0 9 * * *')")
	cmd.Flags().BoolP("deliver", "d", false, "Deliver the response to a channel")
	cmd.Flags().String("to", "", "Recipient chat id for delivery")
	cmd.Flags().String("channel", "", "Channel name for delivery")
	return cmd
}

func newCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job_id>",
		Short: "Remove a job by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openCronStore()
			if err != nil {
				return err
			}
			if !svc.RemoveJob(args[0]) {
				return fmt.Errorf("job %s not found", args[0])
			}
			fmt.Printf("Removed job %s\n", args[0])
			return nil
		},
	}
}

func newCronEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <job_id>",
		Short: "Enable a job",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return toggleJob(args[0], true) },
	}
}

func newCronDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <job_id>",
		Short: "Disable a job",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return toggleJob(args[0], false) },
	}
}

func toggleJob(id string, enabled bool) error {
	svc, err := openCronStore()
	if err != nil {
		return err
	}
	job, ok := svc.EnableJob(id, enabled)
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	state := "disabled"
	if job.Enabled {
		state = "enabled"
	}
	fmt.Printf("Job '%s' %s\n", job.Name, state)
	return nil
}
