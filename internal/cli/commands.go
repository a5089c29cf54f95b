package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tansive/ckansync/internal/common/logtrace"
)

// ErrAlreadyHandled marks an error whose structured output was already
// printed to stdout.
var ErrAlreadyHandled = errors.New("already handled")

// handledError carries an error whose result was already printed; only the
// stderr line is left to write.
type handledError struct{ err error }

func (e handledError) Error() string        { return e.err.Error() }
func (e handledError) Unwrap() error        { return e.err }
func (e handledError) Is(target error) bool { return target == ErrAlreadyHandled }

var okLabel = color.New(color.FgGreen)
var warnLabel = color.New(color.FgYellow)
var errorLabel = color.New(color.FgRed)

// globals holds the persistent flags and the configuration resolved from
// them before any subcommand runs.
type globals struct {
	configFile string
	jsonOutput bool
	output     string
	remote     string
	apiKey     string
	userAgent  string
	quiet      bool
	verbose    bool
	logJSON    bool

	cfg *Config
}

// format returns the selected output format; --json wins over --output.
func (g *globals) format() string {
	if g.jsonOutput {
		return formatJSON
	}
	if g.output == "" {
		return formatText
	}
	return g.output
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "ckansync [command] [flags]",
		Short: "ckansync - keep CKAN datastore tables in sync with their files",
		Long: `ckansync manages CKAN filestore resources and keeps the datastore table of
a resource in sync with the tabular file (csv, tsv, xls, xlsx) behind it.

A hash table on the portal records the digest of the last file loaded for
each resource so unchanged files are skipped.

Examples:
  # Load the file of a resource into its datastore table
  ckansync ds update 5a7c1f0e-...

  # Load a local file into the table of a resource
  ckansync ds upload 5a7c1f0e-... data.xlsx

  # Download the file of a resource
  ckansync fs fetch 5a7c1f0e-... -d /tmp

  # Find recently changed resources of an organization
  ckansync fs find my-org --since 2024-01-01`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.preRun(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configFile, "config", "", "Path to configuration file to override default")
	pf.BoolVarP(&g.jsonOutput, "json", "j", false, "Output in JSON format")
	pf.StringVarP(&g.output, "output", "o", formatText, "Output format: text, json or yaml")
	pf.StringVarP(&g.remote, "remote", "r", "", "CKAN portal URL (env CKAN_REMOTE_URL)")
	pf.StringVarP(&g.apiKey, "api-key", "k", "", "CKAN API key (env CKAN_API_KEY)")
	pf.StringVarP(&g.userAgent, "user-agent", "u", "", "User agent sent to the portal (env CKAN_USER_AGENT)")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "Only log warnings and errors")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Log debug events")
	pf.BoolVar(&g.logJSON, "log-json", false, "Log JSON lines instead of console output")

	rootCmd.AddCommand(newDatastoreCmd(g))
	rootCmd.AddCommand(newFilestoreCmd(g))
	rootCmd.AddCommand(newConfigCmd(g))
	rootCmd.AddCommand(newVersionCmd(g))
	return rootCmd
}

// preRun sets up logging and resolves the configuration.
func (g *globals) preRun(cmd *cobra.Command) error {
	logtrace.InitLogger(logtrace.Options{
		Quiet:   g.quiet,
		Verbose: g.verbose,
		JSON:    g.logJSON,
		Out:     cmd.ErrOrStderr(),
	})

	switch g.format() {
	case formatText, formatJSON, formatYAML:
	default:
		return ErrUsage.Msg(fmt.Sprintf("unknown output format %q", g.output))
	}

	cfg, err := LoadConfig(g.configFile, g.overrides())
	if err != nil {
		if !isConfigCmd(cmd) {
			return err
		}
		// config and version must work with a broken or absent file
		log.Warn().Err(err).Msg("ignoring configuration")
		cfg = DefaultConfig()
		cfg.apply(g.overrides())
	}
	g.cfg = cfg
	return nil
}

func isConfigCmd(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" || c.Name() == "version" {
			return true
		}
	}
	return false
}

func (g *globals) overrides() Overrides {
	return Overrides{Remote: g.remote, APIKey: g.apiKey, UserAgent: g.userAgent}
}

// Execute runs the command tree and exits with 1 on any error. This is
// called by main.main().
func Execute() {
	os.Exit(run(NewRootCmd(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes cmd with args and returns the process exit code.
func run(cmd *cobra.Command, args []string, stdout, stderr io.Writer) int {
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return 0
	}
	if !errors.Is(err, ErrAlreadyHandled) && jsonRequested(cmd) {
		printJSON(stdout, map[string]string{"error": errorText(err)})
	}
	errorLabel.Fprintf(stderr, "ERROR: %s\n", errorText(err))
	return 1
}

// jsonRequested reports whether JSON output was selected. It reads the
// parsed flags because a failing PersistentPreRun leaves no globals.
func jsonRequested(cmd *cobra.Command) bool {
	pf := cmd.PersistentFlags()
	if v, err := pf.GetBool("json"); err == nil && v {
		return true
	}
	v, err := pf.GetString("output")
	return err == nil && v == formatJSON
}

// newVersionCmd creates and returns a new version command
func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ckansync",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := g.configFile
			if configPath == "" {
				var err error
				if configPath, err = GetDefaultConfigPath(); err != nil {
					configPath = "unknown"
				}
			}
			if g.format() != formatText {
				return printValue(cmd.OutOrStdout(), g.format(), map[string]string{
					"version":     getCLIVersion(),
					"config_file": configPath,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ckansync %s\n", getCLIVersion())
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", configPath)
			return nil
		},
	}
}

func getCLIVersion() string {
	return "v0.1.0"
}
