package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/neuraworks/neurareport/internal/job"
	"github.com/neuraworks/neurareport/internal/report"
	"github.com/neuraworks/neurareport/internal/schedule"
	"github.com/neuraworks/neurareport/internal/state"
)

func scheduleCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		scheduleList(args[1:])
	case "run-due":
		scheduleRunDue(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func scheduleList(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			configPath = requireValue(args, i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	a, err := bootstrap(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	schedules, err := a.state.ListSchedules(false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, sc := range schedules {
		fmt.Printf("id=%s template=%s active=%t interval_minutes=%d next_run_at=%s last_run_status=%s\n",
			sc.ID, sc.TemplateID, sc.Active, sc.IntervalMinutes, sc.NextRunAt.Format("2006-01-02T15:04:05Z"), sc.LastRunStatus)
	}
	os.Exit(0)
}

// scheduleRunDue performs one scheduler tick, waits for the dispatched jobs
// to settle, and exits. Meant for cron-style hosts that do not keep the
// process resident.
func scheduleRunDue(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			configPath = requireValue(args, i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	a, err := bootstrap(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := signalContext()
	engine := job.NewEngine(a.state, a.settings.JobMaxWorkers)
	registerHandlers(engine, a)
	engine.Start(ctx)

	sched := schedule.New(a.state, engine, schedule.DefaultPollInterval)
	dispatched := sched.Tick()
	engine.Shutdown()
	fmt.Printf("dispatched=%d\n", dispatched)
	os.Exit(0)
}

// registerHandlers binds the job types this process can execute.
func registerHandlers(engine *job.Engine, a *app) {
	orch := a.orchestrator()
	engine.Register(state.JobRunReport, func(ctx context.Context, rc *job.RunContext) (json.RawMessage, error) {
		payload, err := report.ParsePayload(rc.Job.Payload)
		if err != nil {
			return nil, err
		}
		res, err := orch.Run(ctx, payload, rc.Job.CorrelationID, rc.Tracker, func() error { return rc.Poll(ctx) })
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}
