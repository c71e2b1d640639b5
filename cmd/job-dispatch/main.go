package main

import (
	"fmt"
	"os"

	"github.com/me/ensrun/internal/dispatch"
)

func main() {
	if err := dispatch.NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
