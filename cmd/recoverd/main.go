// The main package for the recoverd executable.
package main

import (
	"github.com/JakeFAU/mcap-recovery/cmd"
)

func main() {
	cmd.Execute()
}
