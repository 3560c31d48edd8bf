// The main package for the harvester executable.
package main

import (
	"os"

	"github.com/JakeFAU/market-harvester/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
