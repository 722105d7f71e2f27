// Command schoolsync runs the offline-first sync engine of the school portal.
package main

import (
	"os"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
