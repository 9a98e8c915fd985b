package cmd

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/gobeyondidentity/verdict/pkg/attestation"
	"github.com/gobeyondidentity/verdict/pkg/credential"
)

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringP("out", "f", "device.key", "Path of the private key file to write")
	keygenCmd.Flags().Bool("force", false, "Overwrite an existing key file")
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a quote signing key for device emulation",
	Long: `Generate an ECDSA P-256 quote signing key. The private key is written as
PKCS#8 PEM; the public key is printed so it can be passed to 'verdictctl enroll'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		force, _ := cmd.Flags().GetBool("force")

		if _, err := os.Stat(out); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", out)
		}

		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return fmt.Errorf("failed to encode key: %w", err)
		}
		if err := os.WriteFile(out, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600); err != nil {
			return fmt.Errorf("failed to write key: %w", err)
		}

		pubPEM, err := publicKeyPEM(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Private key written to %s\n\n%s", out, pubPEM)
		return nil
	},
}

// loadSigner reads a quote signing key. PKCS#1, PKCS#8, SEC 1 and OpenSSH
// private keys are accepted.
func loadSigner(path string) (crypto.Signer, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read key: %w", err)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse key %s: %w", path, err)
	}
	switch k := raw.(type) {
	case *ecdsa.PrivateKey:
		return k, attestation.AlgECDSASHA256, nil
	case *rsa.PrivateKey:
		return k, attestation.AlgRSAPKCS1SHA256, nil
	default:
		return nil, "", fmt.Errorf("%s: %w", path, credential.ErrUnsupportedKey)
	}
}

func publicKeyPEM(signer crypto.Signer) (string, error) {
	der, err := credential.MarshalQuoteKey(signer.Public())
	if err != nil {
		return "", err
	}
	return credential.EncodePEM(der), nil
}
