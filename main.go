// Command omr-scanner reads answers from scanned OMR answer sheets.
package main

import (
	"os"

	"omr-scanner/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
