// Command xhcisim boots a simulated xHCI controller, attaches simulated HID
// functions and services its event ring.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
