// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/storyforge/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// PrintRunStatus outputs a human-readable summary of a run.
func (p *Printer) PrintRunStatus(st *types.RunStatus) {
	if st == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:        %s\n", st.RunID))
	sb.WriteString(fmt.Sprintf("Definition: %s@%s\n", st.DefinitionID, shortHash(st.DefinitionVersion)))
	sb.WriteString(fmt.Sprintf("Branch:     %s\n", st.BranchID))
	sb.WriteString(fmt.Sprintf("State:      %s\n", st.State))
	if st.CurrentStepID != "" {
		sb.WriteString(fmt.Sprintf("Step:       %s\n", st.CurrentStepID))
	}
	sb.WriteString(fmt.Sprintf("History:    %d steps\n", st.HistoryLen))

	if st.LastError != nil {
		sb.WriteString(fmt.Sprintf("\nFailed at %s (%s):\n  %s\n", st.LastError.StepID, st.LastError.Kind, st.LastError.Message))
	}
	if st.Prompt != "" {
		sb.WriteString("\nWaiting on user:\n")
		for _, line := range strings.Split(st.Prompt, "\n") {
			sb.WriteString("  " + line + "\n")
		}
	}
	if len(st.PayloadKeys) > 0 {
		sb.WriteString(fmt.Sprintf("\nPayload: %s\n", strings.Join(st.PayloadKeys, ", ")))
	}
	writeList(&sb, "Warnings", st.Warnings)

	p.printBox("PIPELINE RUN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintHistory outputs the step results of a run, most recent last.
func (p *Printer) PrintHistory(run *types.PipelineRun) {
	if run == nil || len(run.History) == 0 {
		return
	}

	var sb strings.Builder
	for i, r := range run.History {
		sb.WriteString(fmt.Sprintf("%2d. %-18s %s", i+1, r.StepID, r.Outcome))
		if r.Attempts > 1 {
			sb.WriteString(fmt.Sprintf(" (%d attempts)", r.Attempts))
		}
		if r.NextStep != "" && r.Outcome != types.OutcomeSuccess {
			sb.WriteString(" → " + r.NextStep)
		}
		sb.WriteString("\n")
		if r.Error != nil {
			sb.WriteString(fmt.Sprintf("    %s: %s\n", r.Error.Kind, r.Error.Message))
		}
	}

	p.printBox("STEP HISTORY", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintBranches outputs one line per branch.
func (p *Printer) PrintBranches(branches []*types.Branch) {
	if len(branches) == 0 {
		return
	}

	var sb strings.Builder
	for _, b := range branches {
		sb.WriteString(fmt.Sprintf("%-16s head %s", b.Name, shortHash(b.HeadEventID)))
		if b.ForkEventID != "" {
			sb.WriteString(fmt.Sprintf("  fork %s", shortHash(b.ForkEventID)))
		}
		sb.WriteString("\n")
	}

	p.printBox("BRANCHES", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintEvents outputs the events of a branch, oldest first.
func (p *Printer) PrintEvents(branch string, events []types.Event) {
	var sb strings.Builder
	if len(events) == 0 {
		sb.WriteString("No events")
	}
	for _, ev := range events {
		sb.WriteString(fmt.Sprintf("#%-4d %-20s %s\n", ev.Sequence, ev.EventType, ev.ContainerID))
	}

	p.printBox("EVENTS ON "+strings.ToUpper(branch), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintComparison outputs the difference between two branch projections.
func (p *Printer) PrintComparison(cmp *types.BranchComparison) {
	if cmp == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("A: %s\n", cmp.BranchA))
	sb.WriteString(fmt.Sprintf("B: %s\n", cmp.BranchB))
	sb.WriteString(fmt.Sprintf("Identical containers: %d\n", cmp.SameCount))
	writeList(&sb, "Only in A", cmp.OnlyInA)
	writeList(&sb, "Only in B", cmp.OnlyInB)
	writeList(&sb, "Differing", cmp.Differing)

	p.printBox("BRANCH COMPARISON", strings.TrimSuffix(sb.String(), "\n"))
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(fmt.Sprintf("\n%s (%d):\n", title, len(items)))
	count := min(len(items), maxItemsToShow)
	for i := 0; i < count; i++ {
		sb.WriteString(fmt.Sprintf("  • %s\n", items[i]))
	}
	if len(items) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(items)-maxItemsToShow))
	}
}

func shortHash(s string) string {
	if s == "" {
		return "-"
	}
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
