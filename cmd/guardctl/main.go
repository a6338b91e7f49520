// Command guardctl is the operator CLI for circuit breakers and the audit log.
package main

import (
	"os"

	"github.com/mbd888/discard/cmd/guardctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
