// Command gatekeeper runs the token lifecycle service.
package main

import (
	"os"

	"gatekeeper.evalgo.org/cli"
	"gatekeeper.evalgo.org/common"
)

func main() {
	if err := cli.Execute(); err != nil {
		common.Logger.WithError(err).Error("gatekeeper exited")
		os.Exit(1)
	}
}
