package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/neuraworks/neurareport/internal/artifact"
	"github.com/neuraworks/neurareport/internal/pipeline"
)

// stageArgs is the flag set shared by the pipeline subcommands.
type stageArgs struct {
	templateID   string
	kind         string
	connectionID string
	dbPath       string
	pdfPath      string
	input        string
	configPath   string
}

func parseStageArgs(args []string) stageArgs {
	sa := stageArgs{kind: string(artifact.KindPDF)}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--template":
			i++
			sa.templateID = requireValue(args, i, "--template")
		case "--kind":
			i++
			sa.kind = requireValue(args, i, "--kind")
		case "--connection":
			i++
			sa.connectionID = requireValue(args, i, "--connection")
		case "--db":
			i++
			sa.dbPath = requireValue(args, i, "--db")
		case "--pdf":
			i++
			sa.pdfPath = requireValue(args, i, "--pdf")
		case "--input":
			i++
			sa.input = requireValue(args, i, "--input")
		case "--config":
			i++
			sa.configPath = requireValue(args, i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if sa.templateID == "" {
		usage()
		os.Exit(1)
	}
	if !artifact.ValidTemplateID(sa.templateID) {
		fmt.Fprintf(os.Stderr, "invalid_template_id: %q\n", sa.templateID)
		os.Exit(1)
	}
	return sa
}

func stagePipeline(sa stageArgs) (*app, *pipeline.Pipeline) {
	a, err := bootstrap(sa.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return a, pipeline.New(a.artifacts, a.state, a.llm, a.catalogs, a.settings, a.collab)
}

func runVerify(args []string) {
	sa := parseStageArgs(args)
	if sa.pdfPath == "" {
		usage()
		os.Exit(1)
	}
	pdfBytes, err := os.ReadFile(sa.pdfPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	_, p := stagePipeline(sa)
	res, err := p.Verify(signalContext(), sa.templateID, artifact.TemplateKind(sa.kind), pdfBytes, ulid.Make().String())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("template_id=%s\n", res.TemplateID)
	fmt.Printf("ssim=%.4f\n", res.SSIM)
	fmt.Printf("fix_applied=%t\n", res.FixApplied)
	os.Exit(0)
}

func runAutoMap(args []string) {
	sa := parseStageArgs(args)
	a, p := stagePipeline(sa)
	dbPath, connectionID, err := a.resolveDB(sa.connectionID, sa.dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	res, err := p.AutoMap(signalContext(), sa.templateID, artifact.TemplateKind(sa.kind), connectionID, dbPath, ulid.Make().String())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("cached=%t\n", res.Cached)
	fmt.Printf("mapped=%d\n", len(res.Mapping))
	fmt.Printf("constants=%d\n", len(res.Constants))
	os.Exit(0)
}

func runCorrections(args []string) {
	sa := parseStageArgs(args)
	if sa.input == "" {
		usage()
		os.Exit(1)
	}
	input := sa.input
	if strings.HasPrefix(input, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(input, "@"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		input = string(b)
	}

	_, p := stagePipeline(sa)
	res, err := p.Corrections(signalContext(), sa.templateID, artifact.TemplateKind(sa.kind), input, ulid.Make().String())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("cached=%t\n", res.Cached)
	if res.PageSummary != "" {
		fmt.Printf("page_summary=%s\n", strings.ReplaceAll(res.PageSummary, "\n", " "))
	}
	os.Exit(0)
}

func runDelete(args []string) {
	sa := parseStageArgs(args)
	_, p := stagePipeline(sa)
	if err := p.DeleteTemplate(sa.templateID, artifact.TemplateKind(sa.kind), ulid.Make().String()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("deleted")
	os.Exit(0)
}

func runContract(args []string) {
	sa := parseStageArgs(args)
	a, p := stagePipeline(sa)
	dbPath, connectionID, err := a.resolveDB(sa.connectionID, sa.dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	res, err := p.BuildContract(signalContext(), sa.templateID, artifact.TemplateKind(sa.kind), connectionID, dbPath, ulid.Make().String())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("cached=%t\n", res.Cached)
	fmt.Printf("required_params=%s\n", strings.Join(res.Required, ","))
	os.Exit(0)
}

func runGenerate(args []string) {
	sa := parseStageArgs(args)
	a, p := stagePipeline(sa)
	dbPath, connectionID, err := a.resolveDB(sa.connectionID, sa.dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	res, err := p.GenerateAssets(signalContext(), sa.templateID, artifact.TemplateKind(sa.kind), connectionID, dbPath, ulid.Make().String())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("cached=%t\n", res.Cached)
	fmt.Printf("dialect=%s\n", res.Assets.Dialect)
	fmt.Printf("required_params=%s\n", strings.Join(res.Assets.Params.Required, ","))
	os.Exit(0)
}
