// This command bootstraps a Tink keyset for cache encryption or session
// cookie sealing. The keyset is written as cleartext JSON to stdout or the
// given path; store it as a mounted secret.
package main

import (
	"fmt"
	"os"

	"github.com/trustform/session-bridge/internal/encryption"
)

func main() {
	out := os.Stdout

	if len(os.Args) > 1 {
		path := os.Args[1]

		// refuse to overwrite: regenerating a keyset in place orphans every
		// value sealed with the old one
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating keyset file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	if err := encryption.WriteNewKeyset(out); err != nil {
		fmt.Fprintf(os.Stderr, "error writing keyset: %v\n", err)
		os.Exit(1)
	}
}
