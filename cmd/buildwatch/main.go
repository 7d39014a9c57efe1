// Command buildwatch submits repositories for analysis and follows their
// builds over the backend's event stream.
package main

import "github.com/JakeFAU/buildwatch/cmd"

func main() {
	cmd.Execute()
}
