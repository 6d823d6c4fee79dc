// The main package for the opportunity-crawler executable.
package main

import (
	"github.com/JakeFAU/opportunity-crawler/cmd"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd.Execute(version)
}
