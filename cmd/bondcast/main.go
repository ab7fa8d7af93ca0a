// Command bondcast runs one end of a bonded media transport: the sender
// splits a stream across every configured link, the receiver reassembles
// it in order on the far side.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
