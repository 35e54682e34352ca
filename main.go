// Command tnfsd serves a directory tree over TNFS.
package main

import (
	"fmt"
	"os"

	"github.com/kgbplus/tnfsd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tnfsd:", err)
		os.Exit(1)
	}
}
