package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gobeyondidentity/verdict/pkg/clierror"
)

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceShowCmd)
	deviceCmd.AddCommand(deviceRenameCmd)
	deviceCmd.AddCommand(deviceTagCmd)
	deviceCmd.AddCommand(deviceUntagCmd)
	deviceCmd.AddCommand(deviceRetireCmd)
	deviceCmd.AddCommand(deviceResurrectCmd)

	deviceListCmd.Flags().String("cursor", "", "Resume listing after this cursor")
	deviceListCmd.Flags().Int("limit", 0, "Maximum number of devices to return")
	deviceResurrectCmd.Flags().String("credential-file", "", "Write the new device's credential to this file instead of printing it")
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage enrolled devices",
	Long:  `Commands to list, inspect, rename, tag, retire and resurrect devices.`,
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cursor, _ := cmd.Flags().GetString("cursor")
		limit, _ := cmd.Flags().GetInt("limit")

		res, err := newClient().ListDevices(cmd.Context(), cursor, limit)
		if err != nil {
			return err
		}
		devices := res.Data.Devices

		if outputFormat != "table" {
			if devices == nil {
				devices = []deviceResponse{}
			}
			return formatOutput(devices)
		}

		if len(devices) == 0 {
			fmt.Fprintln(stdout, "No devices enrolled. Use 'verdictctl enroll' to enroll one.")
			return nil
		}
		printDevices(devices)
		printNext(cmd.CommandPath(), res.Next)
		return nil
	},
}

var deviceShowCmd = &cobra.Command{
	Use:     "show <id>",
	Aliases: []string{"get"},
	Short:   "Show a device with its latest appraisal and change log",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().GetDevice(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat != "table" {
			return formatOutput(d)
		}
		printDevice(d)
		return nil
	},
}

var deviceRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchDevice(cmd, args[0], map[string]interface{}{"name": args[1]},
			fmt.Sprintf("Device %s renamed to %q", args[0], args[1]))
	},
}

var deviceTagCmd = &cobra.Command{
	Use:     "tag <id> <key=value>...",
	Short:   "Set device attributes",
	Example: `  verdictctl device tag 12 rack=r7 owner=netops`,
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrs := make(map[string]interface{}, len(args)-1)
		for _, pair := range args[1:] {
			k, v, ok := strings.Cut(pair, "=")
			if !ok || k == "" {
				return &clierror.CLIError{
					Code:     clierror.CodeInvalidRequest,
					Message:  fmt.Sprintf("attribute %q is not in key=value form", pair),
					ExitCode: clierror.ExitInvalid,
				}
			}
			attrs[k] = v
		}
		return patchDevice(cmd, args[0], map[string]interface{}{"attributes": attrs},
			fmt.Sprintf("Device %s: %d attribute(s) set", args[0], len(attrs)))
	},
}

var deviceUntagCmd = &cobra.Command{
	Use:   "untag <id> <key>...",
	Short: "Remove device attributes",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrs := make(map[string]interface{}, len(args)-1)
		for _, k := range args[1:] {
			attrs[k] = nil
		}
		return patchDevice(cmd, args[0], map[string]interface{}{"attributes": attrs},
			fmt.Sprintf("Device %s: %d attribute(s) removed", args[0], len(attrs)))
	},
}

var deviceRetireCmd = &cobra.Command{
	Use:   "retire <id>",
	Short: "Retire a device",
	Long: `Retire a device. A retired device no longer submits evidence. It can be
replaced by a new device with 'verdictctl device resurrect' as long as no other
device replaced it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchDevice(cmd, args[0], map[string]interface{}{"state": "retired"},
			fmt.Sprintf("Device %s retired", args[0]))
	},
}

var deviceResurrectCmd = &cobra.Command{
	Use:   "resurrect <id>",
	Short: "Replace a retired device with a new device",
	Long: `Create a new device that takes over the identity of a retired device:
its name, attributes, key and policies. The new device is appraised right away
from the retired device's latest report. The new device gets its own
attestation credential; the retired device's credential is no longer accepted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		credFile, _ := cmd.Flags().GetString("credential-file")
		res, err := newClient().ResurrectDevice(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := saveCredential(credFile, res.Data.Credentials); err != nil {
			return err
		}
		if outputFormat != "table" {
			return formatOutput(res.Data)
		}
		if len(res.Data.Devices) == 0 {
			return clierror.InternalError(fmt.Errorf("resurrect returned no device"))
		}
		d := res.Data.Devices[0]
		fmt.Fprintf(stdout, "Device %s resurrected as %s (%s)\n", args[0], d.ID, colorState(d.State))
		for i := range res.Data.Appraisals {
			printAppraisal(&res.Data.Appraisals[i])
		}
		printCredential(credFile, res.Data.Credentials)
		return nil
	},
}

func patchDevice(cmd *cobra.Command, id string, patch map[string]interface{}, done string) error {
	res, err := newClient().PatchDevice(cmd.Context(), id, patch)
	if err != nil {
		return err
	}
	if outputFormat != "table" {
		return formatOutput(res.Data.Devices)
	}
	fmt.Fprintln(stdout, done)
	return nil
}
