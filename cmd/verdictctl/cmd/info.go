package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gobeyondidentity/verdict/internal/version"
	"github.com/gobeyondidentity/verdict/internal/versioncheck"
)

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("check", false, "Also query the server and report version skew")
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the server's API and release versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient().Info(cmd.Context())
		if err != nil {
			return err
		}
		check := versioncheck.Check(version.Version, info.ServerVersion, info.APIVersion)

		if outputFormat != "table" {
			return formatOutput(info)
		}
		fmt.Fprintf(stdout, "Server:      %s\n", serverURL)
		fmt.Fprintf(stdout, "API version: v%s\n", info.APIVersion)
		fmt.Fprintf(stdout, "Release:     %s\n", info.ServerVersion)
		if w := check.Warning(); w != "" {
			fmt.Fprintf(stdout, "%s %s\n", warnColor.Sprint("Warning:"), w)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(stdout, "verdictctl %s\n", version.Full())

		check, _ := cmd.Flags().GetBool("check")
		if !check {
			return nil
		}
		info, err := newClient().Info(cmd.Context())
		if err != nil {
			return err
		}
		res := versioncheck.Check(version.Version, info.ServerVersion, info.APIVersion)
		fmt.Fprintf(stdout, "verdictd   %s (%s)\n", info.ServerVersion, res.Skew)
		if w := res.Warning(); w != "" {
			fmt.Fprintf(stdout, "%s %s\n", warnColor.Sprint("Warning:"), w)
		}
		return nil
	},
}
