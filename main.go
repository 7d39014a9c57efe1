// The main package for the buildwatch executable.
package main

import "github.com/JakeFAU/buildwatch/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
