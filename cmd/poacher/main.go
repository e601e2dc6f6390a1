// Command poacher discovers newly created GitHub repositories.
package main

import (
	"os"

	"github.com/JakeFAU/poacher/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
