// Package main is the single-binary entrypoint for harrier.
package main

import "github.com/harrier-ml/harrier/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
