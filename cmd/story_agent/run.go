package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/jonathan/storyforge/internal/definition"
	"github.com/jonathan/storyforge/internal/observability"
	"github.com/jonathan/storyforge/internal/pipeline"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var runCommand = &cobra.Command{
	Use:   "run <definition-file|definition-id>",
	Short: "Start a pipeline run and drive it until it pauses or finishes",
	Long: `Start a run of a pipeline definition. The argument is a definition file (.json,
.jsonc, .yaml, .yml) or the id of a definition in definitions_dir.

With --interactive, each pause prints the pending prompt and reads one line of JSON
from stdin as the resume payload; an empty line resumes with no changes. Without it the
command exits at the first pause and the run can be continued with "resume" as long as
the run store outlives the process (redis_url).`,
	Args: cobra.ExactArgs(1),
	RunE: runPipelineCmd,
}

var (
	runVersion     string
	runPayload     string
	runPayloadFile string
	runBranch      string
	runInteractive bool
	runHistory     bool
)

func init() {
	runCommand.Flags().StringVar(&runVersion, "version", "", "Definition version (catalog ids only; defaults to the latest)")
	runCommand.Flags().StringVarP(&runPayload, "payload", "p", "", "Initial payload as a JSON object")
	runCommand.Flags().StringVar(&runPayloadFile, "payload-file", "", "Initial payload from a JSON or YAML file")
	runCommand.Flags().StringVarP(&runBranch, "branch", "b", "", "Branch COMMIT steps write to (default from config)")
	runCommand.Flags().BoolVarP(&runInteractive, "interactive", "i", false, "Prompt on stdin at every pause")
	runCommand.Flags().BoolVar(&runHistory, "history", false, "Print the step history when the command ends")

	rootCmd.AddCommand(runCommand)
}

func runPipelineCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := loadPayload(runPayload, runPayloadFile)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger, appOptions{generation: true})
	if err != nil {
		return err
	}
	defer a.Close()

	def, err := resolveDefinition(a.catalog, args[0], runVersion)
	if err != nil {
		return err
	}

	runID, err := a.engine.Start(ctx, def, payload, pipeline.StartOptions{Branch: runBranch})
	if err != nil && runID == "" {
		return fmt.Errorf("failed to start run: %w", err)
	}
	if err != nil {
		logger.Warn().Err(err).Str("run_id", runID).Msg("run created but advance failed")
	}

	out := cmd.OutOrStdout()
	st, err := a.engine.Status(ctx, runID)
	if err != nil {
		return err
	}
	if runInteractive {
		st, err = driveInteractive(ctx, a.engine, st, cmd.InOrStdin(), out)
		if err != nil {
			return err
		}
	}
	return report(ctx, a.engine, st, out, runHistory)
}

// driveInteractive resumes a paused run from stdin until it is no longer paused.
func driveInteractive(ctx context.Context, engine *pipeline.Engine, st *types.RunStatus, in io.Reader, out io.Writer) (*types.RunStatus, error) {
	printer := observability.NewPrinter(out)
	reader := bufio.NewReader(in)

	for st.State == types.RunPausedForUser {
		printer.PrintRunStatus(st)
		_, _ = fmt.Fprint(out, "resume payload (JSON, empty to continue)> ")

		line, readErr := reader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("failed to read stdin: %w", readErr)
		}
		line = strings.TrimSpace(line)
		if line == "" && errors.Is(readErr, io.EOF) {
			// Stdin closed: leave the run paused.
			_, _ = fmt.Fprintln(out)
			return st, nil
		}

		payload, err := loadPayload(line, "")
		if err != nil {
			_, _ = fmt.Fprintf(out, "invalid payload: %v\n", err)
			continue
		}
		next, err := engine.Resume(ctx, st.RunID, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to resume run %s: %w", st.RunID, err)
		}
		st = next
	}
	return st, nil
}

// report prints the final status and turns a FAILED run into a command error.
func report(ctx context.Context, engine *pipeline.Engine, st *types.RunStatus, out io.Writer, withHistory bool) error {
	printer := observability.NewPrinter(out)
	printer.PrintRunStatus(st)
	if withHistory {
		run, err := engine.Run(ctx, st.RunID)
		if err != nil {
			return err
		}
		printer.PrintHistory(run)
	}
	if st.State == types.RunFailed {
		if st.LastError != nil {
			return fmt.Errorf("run %s failed at %s: %s", st.RunID, st.LastError.StepID, st.LastError.Message)
		}
		return fmt.Errorf("run %s failed", st.RunID)
	}
	return nil
}

// resolveDefinition reads ref as a file when it names one, otherwise looks it up in the catalog.
func resolveDefinition(catalog *definition.Catalog, ref, version string) (*types.PipelineDefinition, error) {
	if _, ok := definition.FormatFromPath(ref); ok {
		if _, err := os.Stat(ref); err == nil {
			if version != "" {
				return nil, fmt.Errorf("--version applies to catalog ids, not files")
			}
			return definition.ReadFile(ref)
		}
	}
	return catalog.Get(ref, version)
}

// loadPayload parses an inline JSON object or a JSON/YAML file. Both empty yields nil.
func loadPayload(inline, path string) (map[string]any, error) {
	if inline != "" && path != "" {
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	}

	var payload map[string]any
	switch {
	case inline != "":
		if err := sonic.ConfigStd.UnmarshalFromString(inline, &payload); err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &payload)
		default:
			err = sonic.ConfigStd.Unmarshal(data, &payload)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse payload file %s: %w", path, err)
		}
	}
	return payload, nil
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a run paused for user input",
	Long: `Merge a payload into a paused run and drive it until it pauses again or finishes.
Runs are only visible across invocations when redis_url is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var (
	resumePayload     string
	resumePayloadFile string
)

var advanceCmd = &cobra.Command{
	Use:   "advance <run-id>",
	Short: "Continue a RUNNING run",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdvance,
}

var advanceSingle bool

var abortCmd = &cobra.Command{
	Use:   "abort <run-id>",
	Short: "Abort a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbort,
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a run, or list runs when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var (
	statusHistory    bool
	statusState      string
	statusDefinition string
	statusLimit      int
)

func init() {
	resumeCmd.Flags().StringVarP(&resumePayload, "payload", "p", "", "Payload as a JSON object")
	resumeCmd.Flags().StringVar(&resumePayloadFile, "payload-file", "", "Payload from a JSON or YAML file")
	advanceCmd.Flags().BoolVar(&advanceSingle, "step", false, "Execute exactly one step")
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "Include the step history")
	statusCmd.Flags().StringVar(&statusState, "state", "", "Filter the listing by state")
	statusCmd.Flags().StringVar(&statusDefinition, "definition", "", "Filter the listing by definition id")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Maximum runs to list")

	rootCmd.AddCommand(resumeCmd, advanceCmd, abortCmd, statusCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	payload, err := loadPayload(resumePayload, resumePayloadFile)
	if err != nil {
		return err
	}
	return withEngine(cmd, true, func(ctx context.Context, a *app) error {
		st, err := a.engine.Resume(ctx, args[0], payload)
		if err != nil {
			return err
		}
		return report(ctx, a.engine, st, cmd.OutOrStdout(), false)
	})
}

func runAdvance(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, true, func(ctx context.Context, a *app) error {
		var (
			st  *types.RunStatus
			err error
		)
		if advanceSingle {
			st, err = a.engine.Step(ctx, args[0])
		} else {
			st, err = a.engine.Advance(ctx, args[0])
		}
		if err != nil {
			return err
		}
		return report(ctx, a.engine, st, cmd.OutOrStdout(), false)
	})
}

func runAbort(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, false, func(ctx context.Context, a *app) error {
		st, err := a.engine.Abort(ctx, args[0])
		if err != nil {
			return err
		}
		observability.NewPrinter(cmd.OutOrStdout()).PrintRunStatus(st)
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, false, func(ctx context.Context, a *app) error {
		printer := observability.NewPrinter(cmd.OutOrStdout())
		if len(args) == 1 {
			st, err := a.engine.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return report(ctx, a.engine, st, cmd.OutOrStdout(), statusHistory)
		}

		runs, err := a.engine.List(ctx, types.RunFilter{
			State:        types.RunState(strings.ToUpper(statusState)),
			DefinitionID: statusDefinition,
			Limit:        statusLimit,
		})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no runs")
			return nil
		}
		for _, st := range runs {
			printer.PrintRunStatus(st)
		}
		return nil
	})
}

// withEngine builds the app for a command and closes it afterwards.
func withEngine(cmd *cobra.Command, generation bool, fn func(context.Context, *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, cfg, logger, appOptions{generation: generation})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
