// edgeflow runs the firewall and NAT packet pipeline of one interface over
// captured traffic and inspects its state.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
