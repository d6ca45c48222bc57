// Package main is the entry point for the webpeel binary.
package main

import (
	"os"

	"github.com/webpeel/webpeel/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
