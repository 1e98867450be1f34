package main

import (
	"os"

	"github.com/ampcome-mcps/bluesky-mcp/cmd"
	"github.com/ampcome-mcps/bluesky-mcp/internal/logutil"
)

func main() {
	if err := cmd.Execute(); err != nil {
		logutil.Errorf("%v", err)
		os.Exit(1)
	}
}
