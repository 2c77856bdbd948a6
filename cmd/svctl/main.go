// Command svctl controls a running svinitd.
package main

import (
	"errors"
	"fmt"
	"os"

	svinit "github.com/axondata/go-svinit"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, svinit.ErrManagerUnreachable) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}
