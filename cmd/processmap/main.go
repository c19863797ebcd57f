package main

import (
	"os"

	"github.com/songzhibin97/process-map/cli/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
