package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gobeyondidentity/verdict/pkg/clierror"
)

func init() {
	rootCmd.AddCommand(enrollCmd)
	f := enrollCmd.Flags()
	f.String("hwid", "", "Hardware fingerprint of the device (required)")
	f.StringP("key", "k", "", "Quote signing key file; its public half is enrolled")
	f.String("cookie", "", "Idempotency key (default: random)")
	f.IntSlice("pcr-template", nil, "Registers captured by the device's template policy (default: server setting)")
	f.StringSlice("fw-template", nil, "Firmware paths captured by the device's template policy")
	f.String("credential-file", "", "Write the issued credential to this file instead of printing it")
	enrollCmd.MarkFlagRequired("hwid")
}

var enrollCmd = &cobra.Command{
	Use:   "enroll <name>",
	Short: "Enroll a device",
	Long: `Enroll a device and issue its attestation credential.

The device gets a template policy that captures its registers from the first
report. Enrolled devices sharing the hardware fingerprint are retired and
recorded as replaced by the new device.`,
	Example: `  verdictctl keygen --out dev1.key
  verdictctl enroll rack7-node3 --hwid 0f:3a:... --key dev1.key --credential-file dev1.cred`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		hwid, _ := f.GetString("hwid")
		keyPath, _ := f.GetString("key")
		cookie, _ := f.GetString("cookie")
		credFile, _ := f.GetString("credential-file")
		if cookie == "" {
			cookie = uuid.NewString()
		}

		req := map[string]interface{}{
			"name":   args[0],
			"hwid":   hwid,
			"cookie": cookie,
		}
		if keyPath != "" {
			signer, _, err := loadSigner(keyPath)
			if err != nil {
				return err
			}
			pub, err := publicKeyPEM(signer)
			if err != nil {
				return err
			}
			req["public_key"] = pub
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

		res, err := newClient().Enroll(cmd.Context(), req)
		if err != nil {
			return err
		}
		if len(res.Data.Devices) == 0 {
			return clierror.InternalError(fmt.Errorf("enroll returned no device"))
		}

		if err := saveCredential(credFile, res.Data.Credentials); err != nil {
			return err
		}

		if outputFormat != "table" {
			return formatOutput(res.Data)
		}

		d := res.Data.Devices[0]
		if !res.Applied {
			fmt.Fprintf(stdout, "Device %s was already enrolled with cookie %s\n", d.ID, cookie)
		} else {
			fmt.Fprintf(stdout, "Enrolled device %s (%s), state %s\n", d.ID, d.Name, colorState(d.State))
		}
		for _, old := range res.Data.Devices[1:] {
			fmt.Fprintf(stdout, "  replaces device %s (%s)\n", old.ID, colorState(old.State))
		}
		printCredential(credFile, res.Data.Credentials)
		return nil
	},
}

// saveCredential writes the first issued credential to path, if both exist.
func saveCredential(path string, creds []credentialResponse) error {
	if path == "" || len(creds) == 0 {
		return nil
	}
	if err := os.WriteFile(path, []byte(creds[0].Token+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write credential: %w", err)
	}
	return nil
}

func printCredential(path string, creds []credentialResponse) {
	switch {
	case len(creds) == 0:
	case path != "":
		fmt.Fprintf(stdout, "Credential written to %s\n", path)
	default:
		fmt.Fprintf(stdout, "Credential: %s\n", creds[0].Token)
	}
}
