// verdictctl is the operator CLI of the verdict attestation server.
package main

import (
	"os"

	"github.com/gobeyondidentity/verdict/cmd/verdictctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.HandleError(err))
	}
}
