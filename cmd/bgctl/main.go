package main

import (
	"errors"
	"os"
)

func main() {
	root := newRoot()
	rootCmd := root.Command()

	cmd, err := rootCmd.ExecuteC()
	if closeErr := root.Close(); closeErr != nil {
		rootCmd.PrintErrln("Error:", closeErr)
	}
	if err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			cmd.Println("")
			cmd.Println(cmd.UsageString())
		}
		os.Exit(1)
	}
}
