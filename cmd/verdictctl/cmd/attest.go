package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gobeyondidentity/verdict/pkg/attestation"
	"github.com/gobeyondidentity/verdict/pkg/clierror"
)

func init() {
	rootCmd.AddCommand(attestCmd)
	f := attestCmd.Flags()
	f.StringP("credential", "c", "", "Device credential, or @file to read it from a file (required)")
	f.StringP("key", "k", "", "Quote signing key file (required)")
	f.StringToString("pcr", nil, "Measured register value as index=hexdigest (repeatable)")
	f.StringToString("firmware", nil, "Firmware measurement as path=hexdigest (repeatable)")
	f.String("measurements", "", "YAML file with 'pcrs' and 'firmware' maps")
	f.String("nonce", "", "Quote nonce as hex (default: random)")
	attestCmd.MarkFlagRequired("credential")
	attestCmd.MarkFlagRequired("key")
}

var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Sign and submit evidence as a device",
	Long: `Build a quote over the given measurements, sign it with the device key and
submit it with the device credential. This emulates a device agent.

Exits with status 3 when the evidence is appraised as untrusted.`,
	Example: `  verdictctl attest -c @dev1.cred -k dev1.key --pcr 0=3d45... --pcr 7=a1b2...

  # measurements.yaml:
  #   pcrs:
  #     0: 3d45...
  #   firmware:
  #     /bios/version: 9f86...
  verdictctl attest -c @dev1.cred -k dev1.key --measurements measurements.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		credArg, _ := f.GetString("credential")
		keyPath, _ := f.GetString("key")
		measurementsPath, _ := f.GetString("measurements")
		nonceHex, _ := f.GetString("nonce")

		token, err := readCredential(credArg)
		if err != nil {
			return err
		}
		signer, alg, err := loadSigner(keyPath)
		if err != nil {
			return err
		}

		m := measurements{PCRs: map[int]string{}, Firmware: map[string]string{}}
		if measurementsPath != "" {
			if m, err = loadMeasurements(measurementsPath); err != nil {
				return err
			}
		}
		pcrFlags, _ := f.GetStringToString("pcr")
		for k, v := range pcrFlags {
			idx, err := strconv.Atoi(k)
			if err != nil {
				return invalidFlag("--pcr", fmt.Sprintf("register index %q is not a number", k))
			}
			m.PCRs[idx] = v
		}
		fwFlags, _ := f.GetStringToString("firmware")
		for k, v := range fwFlags {
			m.Firmware[k] = v
		}

		var nonce []byte
		if nonceHex != "" {
			if nonce, err = hex.DecodeString(nonceHex); err != nil {
				return invalidFlag("--nonce", "nonce is not hex")
			}
		}

		ev, err := attestation.NewEvidence(signer, alg, nonce, time.Now(), m.PCRs, m.Firmware)
		if err != nil {
			return invalidFlag("", err.Error())
		}

		res, err := newClient().Attest(cmd.Context(), token, ev)
		if err != nil {
			return err
		}
		if len(res.Data.Appraisals) == 0 {
			return clierror.InternalError(fmt.Errorf("attest returned no appraisal"))
		}
		a := res.Data.Appraisals[0]

		if outputFormat != "table" {
			if err := formatOutput(res.Data); err != nil {
				return err
			}
		} else {
			state := "-"
			if len(res.Data.Devices) > 0 {
				state = colorState(res.Data.Devices[0].State)
			}
			fmt.Fprintf(stdout, "Device %s appraised: %s\n", a.Device, state)
			printAppraisal(&a)
		}

		if !a.Verdict {
			return clierror.AppraisalFailed(a.Device, len(a.Annotations))
		}
		return nil
	},
}

// measurements is the YAML file format of --measurements.
type measurements struct {
	PCRs     map[int]string    `yaml:"pcrs"`
	Firmware map[string]string `yaml:"firmware"`
}

func loadMeasurements(path string) (measurements, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return measurements{}, fmt.Errorf("failed to read measurements: %w", err)
	}
	var m measurements
	if err := yaml.Unmarshal(data, &m); err != nil {
		return measurements{}, invalidFlag("--measurements", fmt.Sprintf("%s: %v", path, err))
	}
	if m.PCRs == nil {
		m.PCRs = map[int]string{}
	}
	if m.Firmware == nil {
		m.Firmware = map[string]string{}
	}
	return m, nil
}

// readCredential returns the credential itself, or the contents of the file
// named after a leading '@'.
func readCredential(arg string) (string, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read credential: %w", err)
		}
		arg = string(data)
	}
	token := strings.TrimSpace(arg)
	if token == "" {
		return "", clierror.NotAuthorized("credential is empty")
	}
	return token, nil
}

func invalidFlag(flag, msg string) *clierror.CLIError {
	return &clierror.CLIError{
		Code:     clierror.CodeInvalidRequest,
		Message:  msg,
		Path:     flag,
		ExitCode: clierror.ExitInvalid,
	}
}
