// Package main is the Cyrus edge worker CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// userError marks failures caused by bad input or state the operator can
// fix; they exit 1. Everything else is a system error and exits 2.
type userError struct {
	err error
}

func (e *userError) Error() string { return e.err.Error() }
func (e *userError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &userError{err: fmt.Errorf(format, args...)}
}

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var uerr *userError
		if errors.As(err, &uerr) {
			return 1
		}
		return 2
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cyrus",
		Short:         "Cyrus connects your issue tracker to AI coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "directory containing cyrus.yaml")

	root.AddCommand(
		newStartCmd(),
		newAuthCmd(),
		newSetCustomerIDCmd(),
		newCheckTokensCmd(),
		newPromptsCmd(),
	)
	return root
}
