// Command signalmesh runs a store-and-forward mesh node for off-grid
// disaster relief messaging.
package main

import "signalmesh/cmd"

func main() {
	cmd.Execute()
}
