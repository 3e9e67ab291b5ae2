// diagenctl is the command-line client for a diagen server: it uploads a
// diagram, follows the streamed analysis over the push channel, and
// reports the generated-code download link.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
