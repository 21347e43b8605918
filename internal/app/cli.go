package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit %d", e.code)
}

var Version = "dev"

func Execute(args []string, in io.Reader, out io.Writer, errOut io.Writer) int {
	return App{In: in, Out: out, Err: errOut}.Execute(args)
}

func (app App) Execute(args []string) int {
	out, errOut := app.Out, app.Err
	flags := GlobalFlags{}
	var showVersion bool

	root := &cobra.Command{
		Use:           "shopwalk",
		Short:         "Walk a storefront from search to the sign-in prompt",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().BoolVarP(&showVersion, "version", "V", false, "version")
	root.PersistentFlags().StringVarP(&flags.Profile, "profile", "p", "", "profile name")
	root.PersistentFlags().StringVarP(&flags.ProfileDir, "profile-dir", "D", "", "profile directory")
	root.PersistentFlags().StringVarP(&flags.Config, "config", "C", "", "config file")
	root.PersistentFlags().BoolVarP(&flags.JSON, "json", "j", false, "json output")
	root.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "quiet output")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().BoolVarP(&flags.Save, "save", "s", false, "persist overrides to profile")
	root.PersistentFlags().StringVarP(&flags.Browser, "browser", "b", "", "browser type")
	root.PersistentFlags().StringVarP(&flags.Channel, "channel", "c", "", "browser channel")
	root.PersistentFlags().BoolVarP(&flags.Headless, "headless", "H", false, "run headless")
	root.PersistentFlags().BoolVarP(&flags.Headed, "headed", "E", false, "run headed")
	root.PersistentFlags().StringVarP(&flags.TTL, "ttl", "L", "", "profile ttl")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if showVersion {
			fmt.Fprintln(out, Version)
			return exitError{code: exitSuccess}
		}
		return nil
	}

	var run RunFlags
	runCmd := &cobra.Command{
		Use:   "run [QUERY]",
		Short: "Run the checkout walk up to the authentication prompt",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				run.Query = args[0]
			}
			cfg, store, err := app.prepare(flags)
			if err != nil {
				fmt.Fprintln(errOut, err)
				return exitError{code: exitFailure}
			}
			code := app.runFlow(cmd.Context(), cfg, store, flags, run)
			return exitOrNil(code)
		},
	}
	runCmd.Flags().StringVarP(&run.URL, "url", "u", "", "storefront start url")
	runCmd.Flags().StringArrayVarP(&run.Brands, "brand", "B", nil, "preferred brand (repeatable)")
	runCmd.Flags().StringVarP(&run.Identifier, "identifier", "i", "", "account identifier for the sign-in prompt")
	runCmd.Flags().StringVarP(&run.Engine, "engine", "e", "", "browser engine (playwright|chromedp)")
	runCmd.Flags().StringVar(&run.SlowMo, "slow-mo", "", "delay between browser operations")
	runCmd.Flags().StringVarP(&run.Deadline, "deadline", "d", "", "abort the whole run after this long")
	runCmd.Flags().StringVar(&run.TraceFile, "trace-file", "", "write step spans to this file")
	runCmd.Flags().StringVar(&run.MetricsFile, "metrics-file", "", "write run metrics to this file")
	runCmd.Flags().BoolVar(&run.Hold, "hold", false, "keep the browser open until Enter is pressed")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "steps",
		Short: "Print the step plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := app.prepare(flags)
			if err != nil {
				fmt.Fprintln(errOut, err)
				return exitError{code: exitFailure}
			}
			code := app.runSteps(cfg, flags)
			return exitOrNil(code)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install Playwright driver and browsers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			code := app.runInstall(flags)
			return exitOrNil(code)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check install and environment health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := app.prepare(flags)
			if err != nil {
				fmt.Fprintln(errOut, err)
				return exitError{code: exitFailure}
			}
			code := app.runDoctor(cfg, flags)
			return exitOrNil(code)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := app.prepare(flags)
			if err != nil {
				fmt.Fprintln(errOut, err)
				return exitError{code: exitFailure}
			}
			code := app.runList(store, flags)
			return exitOrNil(code)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Show a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := app.prepare(flags)
			if err != nil {
				fmt.Fprintln(errOut, err)
				return exitError{code: exitFailure}
			}
			code := app.runShow(store, flags, args)
			return exitOrNil(code)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "rm NAME...",
		Short: "Remove profiles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := app.prepare(flags)
			if err != nil {
				fmt.Fprintln(errOut, err)
				return exitError{code: exitFailure}
			}
			code := app.runRemove(store, flags, args)
			return exitOrNil(code)
		},
	})

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			_, store, err := app.prepare(flags)
			if err != nil {
				fmt.Fprintln(errOut, err)
				return exitError{code: exitFailure}
			}
			code := app.runPrune(store, flags, dryRun)
			return exitOrNil(code)
		},
	}
	pruneCmd.Flags().BoolP("dry-run", "n", false, "preview")
	root.AddCommand(pruneCmd)

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		fmt.Fprintln(errOut, err)
		return exitUsage
	}
	return exitSuccess
}

func exitOrNil(code int) error {
	if code == exitSuccess {
		return nil
	}
	return exitError{code: code}
}
