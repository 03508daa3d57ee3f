// CKB hard fork integration test harness.
package main

import (
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/cmd"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/cmd/common"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/cmd/testdata"
	"github.com/liya2017/ckb-integration-test/ckb-test-runner/scenario/rfc0221"
)

func main() {
	rootCmd := cmd.RootCmd()

	// Register all scenarios and scenario parameters.
	for _, register := range []func() error{
		rfc0221.RegisterScenarios,
	} {
		if err := register(); err != nil {
			common.EarlyLogAndExit(err)
		}
	}

	testdata.Register(rootCmd)

	// Execute the command, now that everything has been initialized.
	cmd.Execute()
}
