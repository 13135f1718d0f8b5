package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/neuraworks/neurareport/internal/artifact"
	"github.com/neuraworks/neurareport/internal/catalog"
	"github.com/neuraworks/neurareport/internal/config"
	"github.com/neuraworks/neurareport/internal/job"
	"github.com/neuraworks/neurareport/internal/llm"
	"github.com/neuraworks/neurareport/internal/render"
	"github.com/neuraworks/neurareport/internal/report"
	"github.com/neuraworks/neurareport/internal/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runReport(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	case "automap":
		runAutoMap(os.Args[2:])
	case "corrections":
		runCorrections(os.Args[2:])
	case "contract":
		runContract(os.Args[2:])
	case "generate":
		runGenerate(os.Args[2:])
	case "delete":
		runDelete(os.Args[2:])
	case "schedule":
		scheduleCmd(os.Args[2:])
	case "connections":
		connectionsCmd(os.Args[2:])
	case "recover":
		recoverCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  neurareport run --template <id> [--kind pdf|excel] [--connection <id>] [--param k=v]... [--docx] [--xlsx] [--landscape] [--scale <f>] [--email <addr>]... [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport verify --template <id> --pdf <file> [--kind pdf|excel] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport automap --template <id> [--kind pdf|excel] [--connection <id>] [--db <path>] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport corrections --template <id> --input <text-or-@file> [--kind pdf|excel] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport contract --template <id> [--kind pdf|excel] [--connection <id>] [--db <path>] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport generate --template <id> [--kind pdf|excel] [--connection <id>] [--db <path>] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport delete --template <id> [--kind pdf|excel] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport schedule list [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport schedule run-due [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport connections test --id <id> --db <path> [--name <name>] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport connections list|delete [--id <id>] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  neurareport recover [--max-jobs <n>] [--config <file>]")
}

// app is the wired process: settings, stores, caches, and the LLM client.
// External binary collaborators (browser, rasterizer, converters, email) are
// nil unless injected; a nil collaborator disables the formats it serves.
type app struct {
	settings  *config.Settings
	state     *state.Store
	artifacts *artifact.Store
	catalogs  *catalog.Cache
	llm       *llm.Client
	collab    render.Collaborators
}

func bootstrap(configPath string) (*app, error) {
	var settings *config.Settings
	var err error
	if configPath != "" {
		settings, err = config.Load(configPath)
	} else {
		settings, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}

	st, err := state.Open(settings.StateDir, settings.StateSecret)
	if err != nil {
		return nil, err
	}
	artifacts, err := artifact.NewStore(settings.UploadRoot)
	if err != nil {
		return nil, err
	}

	var client *llm.Client
	if settings.OpenAIAPIKey != "" {
		client = llm.NewClient(llm.NewOpenAIAdapter(settings.OpenAIAPIKey, ""))
	} else {
		client = llm.NewClient(nil)
	}

	return &app{
		settings:  settings,
		state:     st,
		artifacts: artifacts,
		catalogs:  catalog.NewCache(settings.SchemaCacheMaxEntries, settings.SchemaCacheTTL),
		llm:       client,
	}, nil
}

func (a *app) orchestrator() *report.Orchestrator {
	return report.NewOrchestrator(a.state, a.artifacts, a.catalogs, a.settings, a.collab)
}

// resolveDB resolves --db / --connection to a concrete database path using
// the orchestrator precedence.
func (a *app) resolveDB(connectionID, dbPath string) (string, string, error) {
	if dbPath != "" {
		return dbPath, connectionID, nil
	}
	return a.orchestrator().ResolveDBPath(connectionID)
}

func runReport(args []string) {
	var templateID, kind, connectionID, configPath, scaleArg string
	var docx, xlsx, landscape bool
	var params []string
	var emails []string
	kind = string(artifact.KindPDF)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--template":
			i++
			templateID = requireValue(args, i, "--template")
		case "--kind":
			i++
			kind = requireValue(args, i, "--kind")
		case "--connection":
			i++
			connectionID = requireValue(args, i, "--connection")
		case "--param":
			i++
			params = append(params, requireValue(args, i, "--param"))
		case "--email":
			i++
			emails = append(emails, requireValue(args, i, "--email"))
		case "--scale":
			i++
			scaleArg = requireValue(args, i, "--scale")
		case "--config":
			i++
			configPath = requireValue(args, i, "--config")
		case "--docx":
			docx = true
		case "--xlsx":
			xlsx = true
		case "--landscape":
			landscape = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if templateID == "" {
		usage()
		os.Exit(1)
	}

	payload := &report.RunPayload{
		TemplateID:   templateID,
		Kind:         kind,
		ConnectionID: connectionID,
		Params:       map[string]any{},
		WantDocx:     docx,
		WantXlsx:     xlsx,
		Landscape:    landscape,
		EmailTo:      emails,
	}
	for _, kv := range params {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "--param %q is invalid; expected k=v\n", kv)
			os.Exit(1)
		}
		payload.Params[parts[0]] = parts[1]
	}
	if scaleArg != "" {
		if _, err := fmt.Sscanf(scaleArg, "%f", &payload.Scale); err != nil {
			fmt.Fprintf(os.Stderr, "--scale %q is not a number\n", scaleArg)
			os.Exit(1)
		}
	}

	a, err := bootstrap(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	res, err := a.orchestrator().Run(signalContext(), payload, ulid.Make().String(), nil, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("status=%s\n", res.Status)
	for format, rel := range res.Artifacts {
		fmt.Printf("artifact_%s=%s\n", format, rel)
	}
	for _, m := range res.MissingFormats {
		fmt.Fprintf(os.Stderr, "WARNING: format %s failed\n", m)
	}
	os.Exit(0)
}

func recoverCmd(args []string) {
	var configPath string
	maxJobs := 50
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--max-jobs":
			i++
			if _, err := fmt.Sscanf(requireValue(args, i, "--max-jobs"), "%d", &maxJobs); err != nil {
				fmt.Fprintln(os.Stderr, "--max-jobs requires an integer")
				os.Exit(1)
			}
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
	engine := job.NewEngine(a.state, a.settings.JobMaxWorkers)
	registerHandlers(engine, a)
	n, err := engine.Recover(maxJobs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("recovered=%d\n", n)
	os.Exit(0)
}

func requireValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[i]
}
