package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

var printedBanner bool

func PrintBanner() {
	if printedBanner {
		return
	}
	if strings.TrimSpace(os.Getenv("SOCKET_RETARDER_NO_BANNER")) == "1" {
		return
	}

	blue := color.New(color.FgCyan, color.Bold)
	tip := color.New(color.FgHiBlack)
	title := color.New(color.FgWhite, color.Bold)

	fmt.Println()
	blue.Println("socket-retarder")
	fmt.Println()
	title.Println("> Transparent latency and fault injection for sockets")
	tip.Println("\nTips:")
	tip.Println("  1. socket-retarder run            # Run the delay engine with its control API")
	tip.Println("  2. socket-retarder env            # Show the effective configuration")
	tip.Println("  3. socket-retarder scenario init  # Build a scenario file interactively")
	tip.Println("  4. Use --help on any command      # More options and examples")
	fmt.Println()

	printedBanner = true
}
