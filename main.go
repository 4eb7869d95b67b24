// The main package for the scopus-crawler executable.
package main

import (
	"github.com/JakeFAU/scopus-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
