package main

import (
	"context"
	"fmt"
	"os"

	"github.com/zhammer/faaspact-verifier/internal/app/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(cli.GetExitCode(err))
}
