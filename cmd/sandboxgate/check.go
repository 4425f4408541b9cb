package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawinfra/sandboxgate/internal/security"
)

// errDenied makes the process exit with status 2 after a refused check.
var errDenied = errors.New("denied")

type checkFlags struct {
	user    string
	role    string
	mode    string
	project string
}

func (f *checkFlags) caller() security.Caller {
	return security.Caller{UserID: f.user, Caps: security.CapabilitiesForRole(f.role)}
}

func (f *checkFlags) parseMode() (security.Mode, error) {
	switch f.mode {
	case "", "strict":
		return security.ModeStrict, nil
	case "lenient":
		return security.ModeLenient, nil
	}
	return security.ModeStrict, fmt.Errorf("unknown mode %q (want strict or lenient)", f.mode)
}

func newCheckCmd(flags *globalFlags) *cobra.Command {
	cf := &checkFlags{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a single gate check and print the decision",
		Long: `Run a single gate check against the configured protection tables.

The decision is printed as JSON. The exit status is 0 when allowed and 2 when
denied.`,
	}
	cmd.PersistentFlags().StringVarP(&cf.user, "user", "u", "dev", "User the check runs as")
	cmd.PersistentFlags().StringVar(&cf.role, "role", security.RoleTester, "Role of the user (admin, developer, tester)")
	cmd.PersistentFlags().StringVar(&cf.mode, "mode", "strict", "Checking mode for command and prompt checks (strict, lenient)")
	cmd.PersistentFlags().StringVar(&cf.project, "project", "", "Project ID recorded with prompt checks")

	cmd.AddCommand(&cobra.Command{
		Use:   "path <path>",
		Short: "Check access to a file path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			d := app.Gate.CanAccessPath(args[0], cf.caller())
			return printVerdict(cmd.OutOrStdout(), d, d.Allowed)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "command <command>",
		Short: "Check a shell command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := cf.parseMode()
			if err != nil {
				return err
			}
			app, err := setup(flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			d := app.Gate.FilterCommand(strings.Join(args, " "), cf.caller(), mode)
			return printVerdict(cmd.OutOrStdout(), d, d.Allowed)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "project <path>",
		Short: "Validate a project directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			res := app.Gate.ValidateProjectPath(args[0], cf.user)
			return printVerdict(cmd.OutOrStdout(), res, res.Valid)
		},
	})

	cmd.AddCommand(newPromptCheckCmd(flags, cf, "prompt", "Scan user text for prompt injection", false))
	cmd.AddCommand(newPromptCheckCmd(flags, cf, "kickoff", "Scan platform context (always strict)", true))

	return cmd
}

// newPromptCheckCmd reads the text from the arguments, or from stdin when
// the only argument is "-".
func newPromptCheckCmd(flags *globalFlags, cf *checkFlags, use, short string, kickoff bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <text|->",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := cf.parseMode()
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			if text == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}

			app, err := setup(flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			scope := security.Scope{UserID: cf.user, ProjectID: cf.project}
			var res security.InjectionResult
			if kickoff {
				res = app.Detector.FilterKickoff(text, scope)
			} else {
				res = app.Detector.Filter(text, scope, mode)
			}
			return printVerdict(cmd.OutOrStdout(), res, !res.Blocked)
		},
	}
}

func printVerdict(w io.Writer, v any, allowed bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	if !allowed {
		return errDenied
	}
	return nil
}
