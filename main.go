// mediadl/main.go
package main

import (
	"os"

	"mediadl/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
