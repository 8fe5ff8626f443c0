package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/ctl"
)

func main() {
	cmd := ctl.NewRootCommand(ctl.DefaultOptions())
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
