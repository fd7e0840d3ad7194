// Command gatewayctl administers tenant credentials and produces signed
// requests for the gateway.
package main

import (
	"os"

	"github.com/formbridge/gateway/cmd/gatewayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
