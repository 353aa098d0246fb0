// Conduit - talk to your tools in plain language.
package main

import (
	"fmt"
	"os"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", apperrors.FormatUserMessage(err))
		os.Exit(1)
	}
}
