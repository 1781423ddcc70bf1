package main

import (
	"os"

	"github.com/3cpo-dev/testnode/internal/stubnode"
)

func main() {
	os.Exit(stubnode.Main(os.Args[1:], os.Stdout, os.Stderr))
}
