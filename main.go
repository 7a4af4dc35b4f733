// Command tokensweep runs the token-budget fine-tuning sweep and its
// analysis. See `tokensweep --help`.
package main

import (
	"os"

	"github.com/BrickPiGuy/dissertationScripts/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
