package main

import (
	"errors"
	"fmt"

	"github.com/jonathan/storyforge/internal/definition"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/spf13/cobra"
)

var validateCommand = &cobra.Command{
	Use:   "validate <definition-file>...",
	Short: "Validate pipeline definition files",
	Long: `Check pipeline definition files against the definition schema and the step
configuration rules without running them. Every problem in a file is reported at once.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCommand)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		def, err := definition.ReadFile(path)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "✗ %s\n", path)
			var ve *types.ValidationError
			if errors.As(err, &ve) && len(ve.Issues) > 0 {
				for _, issue := range ve.Issues {
					_, _ = fmt.Fprintf(out, "    - %s\n", issue)
				}
			} else {
				_, _ = fmt.Fprintf(out, "    - %v\n", err)
			}
			continue
		}
		version, err := definition.Version(def)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "✓ %s (%s, version %s, %d steps)\n", path, def.ID, shortVersion(version), len(def.Steps))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
	}
	return nil
}

func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}
