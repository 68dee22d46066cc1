package main

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chosenoffset/activedoc/pkg/activedoc"
	"github.com/chosenoffset/activedoc/pkg/activedoc/dashboard"
	"github.com/chosenoffset/activedoc/pkg/activedoc/rules"
)

// errViolations is returned by check when any rule has a violated snippet.
var errViolations = errors.New("rule violations found")

// errInvalidTable is returned when the rule table cannot be used.
var errInvalidTable = errors.New("rule table is invalid")

func exitCode(err error) int {
	switch {
	case errors.Is(err, errViolations):
		return 1
	case errors.Is(err, errInvalidTable):
		return 3
	default:
		return 2
	}
}

var checkCmd = &cobra.Command{
	Use:   "check [workspace]",
	Short: "Evaluate every rule once and report satisfied and violated counts",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

var validateCmd = &cobra.Command{
	Use:   "validate [workspace]",
	Short: "Parse the rule table and report invalid entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidate,
}

// collectingNotifier keeps the errors an engine surfaces during a one-shot run.
type collectingNotifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *collectingNotifier) NotifyError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *collectingNotifier) err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return errors.Join(n.errs...)
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, args)
	if err != nil {
		return err
	}

	notifier := &collectingNotifier{}
	engine := activedoc.NewEngine(a.ws, a.ev, dashboard.NewHub(a.logger), activedoc.EngineOptions{
		RuleTable: a.cfg.RuleTable,
		Notifier:  notifier,
		Logger:    a.logger,
	})
	engine.Refresh(cmd.Context())
	if err := notifier.err(); err != nil {
		return fmt.Errorf("%w: %w", errInvalidTable, err)
	}

	violated := report(cmd.OutOrStdout(), engine.Rules())
	if violated > 0 {
		return fmt.Errorf("%w: %d", errViolations, violated)
	}
	return nil
}

// report writes one line per rule and returns the total violated count.
func report(w io.Writer, table []rules.Rule) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSATISFIED\tVIOLATED\tTITLE")
	total := 0
	for _, r := range table {
		sat, vio := r.Counts()
		total += vio
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", r.ID, sat, vio, r.Title)
	}
	tw.Flush()
	return total
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, args)
	if err != nil {
		return err
	}

	text, err := a.ws.ReadFile(cmd.Context(), a.cfg.RuleTable)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", errInvalidTable, a.cfg.RuleTable, err)
	}
	valid, issues, err := rules.ParseTable([]byte(text))
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidTable, err)
	}

	out := cmd.OutOrStdout()
	for _, issue := range issues {
		fmt.Fprintln(out, issue)
	}
	fmt.Fprintf(out, "%d valid, %d invalid\n", len(valid), len(issues))
	if len(issues) > 0 {
		return errInvalidTable
	}
	return nil
}
