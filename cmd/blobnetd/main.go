// Command blobnetd runs a content-addressed block node: blockstore, DHT,
// block exchange and the HTTP API, gateway and health check.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
