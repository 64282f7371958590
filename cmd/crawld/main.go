// Package main is the entry point for the crawld application.
package main

import (
	"os"

	"github.com/denikryt/peertube-crawler/cmd/crawld/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
