// Command rolloutctl drives the staged migration from the operator's
// seat: enabling waves, watching their health, and rolling them back.
package main

import (
	"os"

	"github.com/agentfleet/relay/cmd/rolloutctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
