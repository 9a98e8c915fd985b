// Package cmd implements the verdictctl CLI commands.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gobeyondidentity/verdict/internal/version"
	"github.com/gobeyondidentity/verdict/pkg/clierror"
)

// EnvServer overrides the default --server value.
const EnvServer = "VERDICT_SERVER"

const defaultServer = "http://localhost:18080"

var (
	// Global flags
	outputFormat string
	serverURL    string
	actor        string

	// stdout is the output of the running command.
	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "verdictctl",
	Short: "Operator CLI for the verdict attestation server",
	Long: `verdictctl manages devices and attestation policies on a verdictd server.

It enrolls devices, submits or emulates evidence, inspects appraisals, and
creates, rebinds and revokes the policies devices are appraised against.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		stdout = cmd.OutOrStdout()
		switch outputFormat {
		case "table", "json", "yaml":
			return nil
		default:
			return &clierror.CLIError{
				Code:     clierror.CodeInvalidRequest,
				Message:  fmt.Sprintf("unknown output format %q", outputFormat),
				Hint:     "Use --output table, json or yaml",
				ExitCode: clierror.ExitInvalid,
			}
		}
	},
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for verdictctl.

To load completions:

Bash:
  source <(verdictctl completion bash)

Zsh:
  source <(verdictctl completion zsh)

Fish:
  verdictctl completion fish > ~/.config/fish/completions/verdictctl.fish

PowerShell:
  verdictctl completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(stdout)
		case "zsh":
			return rootCmd.GenZshCompletion(stdout)
		case "fish":
			return rootCmd.GenFishCompletion(stdout, true)
		default:
			return rootCmd.GenPowerShellCompletionWithDesc(stdout)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
	defaultURL := os.Getenv(EnvServer)
	if defaultURL == "" {
		defaultURL = defaultServer
	}
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultURL, "verdictd URL (env "+EnvServer+")")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "Name recorded in the change log of mutations")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// HandleError prints err in the selected output format and returns the
// process exit code.
func HandleError(err error) int {
	var cliErr *clierror.CLIError
	if !errors.As(err, &cliErr) {
		cliErr = &clierror.CLIError{
			Code:     "ERROR",
			Message:  err.Error(),
			ExitCode: clierror.ExitGeneral,
		}
	}
	clierror.PrintError(cliErr, outputFormat)
	return cliErr.ExitCode
}

func newClient() *Client {
	return NewClient(serverURL, actor)
}

// formatOutput handles output formatting based on the --output flag.
func formatOutput(data interface{}) error {
	switch outputFormat {
	case "json":
		return outputJSON(data)
	case "yaml":
		return outputYAML(data)
	default:
		// Table format is handled by each command
		return nil
	}
}

func outputJSON(data interface{}) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func outputYAML(data interface{}) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, string(out))
	return nil
}
