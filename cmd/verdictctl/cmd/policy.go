package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gobeyondidentity/verdict/pkg/clierror"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyCreateCmd)
	policyCmd.AddCommand(policyRenameCmd)
	policyCmd.AddCommand(policySetDevicesCmd)
	policyCmd.AddCommand(policyRevokeCmd)

	policyListCmd.Flags().String("cursor", "", "Resume listing after this cursor")
	policyListCmd.Flags().Int("limit", 0, "Maximum number of policies to return")

	addPolicyCreateFlags(policyCreateCmd)
}

func addPolicyCreateFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("name", "", "Policy name (required)")
	f.String("cookie", "", "Idempotency key (default: random)")
	f.StringSlice("device", nil, "Device id to bind (repeatable)")
	f.String("valid-from", "", "Start of validity: RFC 3339 time or a duration from now (e.g. 1h)")
	f.String("valid-until", "", "End of validity: RFC 3339 time or a duration from now")
	f.IntSlice("pcr-template", nil, "Registers to capture from the first report (template policy)")
	f.StringSlice("fw-template", nil, "Firmware paths to capture from the first report (template policy)")
	f.StringToString("pcr", nil, "Expected register value as index=hexdigest (concrete policy, repeatable)")
	f.StringSlice("fw-override", nil, "Firmware path whose measurement is not checked (repeatable)")
	cmd.MarkFlagRequired("name")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage attestation policies",
	Long: `Commands to list, inspect, create, rebind and revoke policies.

A concrete policy lists the expected register values. A template policy lists
registers to capture: the first report of a bound device fills them in and
turns the template into a concrete policy.`,
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cursor, _ := cmd.Flags().GetString("cursor")
		limit, _ := cmd.Flags().GetInt("limit")

		res, err := newClient().ListPolicies(cmd.Context(), cursor, limit)
		if err != nil {
			return err
		}
		policies := res.Data.Policies

		if outputFormat != "table" {
			if policies == nil {
				policies = []policyResponse{}
			}
			return formatOutput(policies)
		}

		if len(policies) == 0 {
			fmt.Fprintln(stdout, "No policies. Use 'verdictctl policy create' to create one.")
			return nil
		}
		printPolicies(policies)
		printNext(cmd.CommandPath(), res.Next)
		return nil
	},
}

var policyShowCmd = &cobra.Command{
	Use:     "show <id>",
	Aliases: []string{"get"},
	Short:   "Show a policy with its change log",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newClient().GetPolicy(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat != "table" {
			return formatOutput(p)
		}
		printPolicy(p)
		return nil
	},
}

var policyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a policy or schedule a policy update",
	Long: `Create a policy and bind it to devices. Bound devices are appraised again
right away against the new policy.

A policy whose validity starts in the future is a scheduled update: it takes
over from the current policy of each bound device when it becomes valid.

Repeating a request with the same --cookie returns the policy created the
first time instead of creating another one.`,
	Example: `  # Concrete policy pinning PCR 0 and 7
  verdictctl policy create --name baseline --device 12 --pcr 0=3d45... --pcr 7=a1b2...

  # Template capturing PCRs 0-7 from the next report
  verdictctl policy create --name golden --device 12 --pcr-template 0,1,2,3,4,5,6,7

  # Scheduled update valid one hour from now
  verdictctl policy create --name next --device 12 --pcr 0=77aa... --valid-from 1h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := policyRequestFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}

		res, err := newClient().CreatePolicy(cmd.Context(), req)
		if err != nil {
			return err
		}
		if outputFormat != "table" {
			return formatOutput(res.Data)
		}
		if len(res.Data.Policies) == 0 {
			return clierror.InternalError(fmt.Errorf("create returned no policy"))
		}
		p := res.Data.Policies[0]
		if !res.Applied {
			fmt.Fprintf(stdout, "Policy %s already exists for cookie %s\n", p.ID, req["cookie"])
			return nil
		}
		fmt.Fprintf(stdout, "Created %s policy %s (%s)\n", p.Kind, p.ID, p.Name)
		for i := range res.Data.Appraisals {
			a := &res.Data.Appraisals[i]
			fmt.Fprintf(stdout, "  device %s: %s\n", a.Device, colorVerdict(a.Verdict))
		}
		return nil
	},
}

var policyRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a policy",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := newClient().PatchPolicy(cmd.Context(), args[0], map[string]interface{}{"name": args[1]})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Policy %s renamed to %q\n", args[0], args[1])
		return nil
	},
}

var policySetDevicesCmd = &cobra.Command{
	Use:   "set-devices <id> [device-id]...",
	Short: "Replace the devices a policy is bound to",
	Long: `Replace the device set of a policy. Devices that gain the policy are
appraised again. Pass no device ids to unbind every device.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		devices := append([]string{}, args[1:]...)
		res, err := newClient().PatchPolicy(cmd.Context(), args[0], map[string]interface{}{"devices": devices})
		if err != nil {
			return err
		}
		if outputFormat != "table" {
			return formatOutput(res.Data)
		}
		fmt.Fprintf(stdout, "Policy %s bound to %s\n", args[0], listOrDash(devices))
		return nil
	},
}

var policyRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a policy",
	Long: `Revoke a policy. Revocation is permanent: a revoked policy is never
resolved again, and bound devices fall back to their other policies.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().RevokePolicy(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !res.Applied {
			fmt.Fprintf(stdout, "Policy %s does not exist\n", args[0])
			return nil
		}
		fmt.Fprintf(stdout, "Policy %s revoked\n", args[0])
		return nil
	},
}

// policyRequestFromFlags builds a policy creation body. Only flags that were
// set are sent so the server reports missing fields itself.
func policyRequestFromFlags(cmd *cobra.Command, now time.Time) (map[string]interface{}, error) {
	f := cmd.Flags()
	req := map[string]interface{}{}

	name, _ := f.GetString("name")
	req["name"] = name

	cookie, _ := f.GetString("cookie")
	if cookie == "" {
		cookie = uuid.NewString()
	}
	req["cookie"] = cookie

	if f.Changed("device") {
		devices, _ := f.GetStringSlice("device")
		req["devices"] = devices
	}
	for flag, key := range map[string]string{"valid-from": "valid_from", "valid-until": "valid_until"} {
		if !f.Changed(flag) {
			continue
		}
		raw, _ := f.GetString(flag)
		t, err := parseWhen(raw, now)
		if err != nil {
			return nil, &clierror.CLIError{
				Code:     clierror.CodeInvalidRequest,
				Message:  err.Error(),
				Path:     "--" + flag,
				ExitCode: clierror.ExitInvalid,
			}
		}
		req[key] = strconv.FormatInt(t.UnixMilli(), 10)
	}
	if f.Changed("pcr-template") {
		idx, _ := f.GetIntSlice("pcr-template")
		out := make([]string, len(idx))
		for i, n := range idx {
			out[i] = strconv.Itoa(n)
		}
		req["pcr_template"] = out
	}
	if f.Changed("fw-template") {
		paths, _ := f.GetStringSlice("fw-template")
		req["fw_template"] = paths
	}
	if f.Changed("pcr") {
		pcrs, _ := f.GetStringToString("pcr")
		req["pcrs"] = pcrs
	}
	if f.Changed("fw-override") {
		paths, _ := f.GetStringSlice("fw-override")
		sort.Strings(paths)
		req["fw_overrides"] = paths
	}
	return req, nil
}

// parseWhen accepts an RFC 3339 time or a duration relative to now.
func parseWhen(raw string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("%q is neither an RFC 3339 time nor a duration", raw)
}
