package main

import (
	"fmt"

	"github.com/kilnworks/openfda-sync/internal/syncer"
)

func runVersion(args []string) int {
	fmt.Printf("openfda-sync %s (%s)\n", syncer.Version, syncer.GitSHA)
	return ExitSuccess
}
