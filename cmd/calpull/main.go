package main

import (
	"fmt"
	"os"

	// Calendar zones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"calpull/internal/cli"
	appLog "calpull/internal/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	err := cli.NewRootCommand(version).Execute()
	appLog.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "calpull:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
