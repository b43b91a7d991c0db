// Command helix-mcp serves HelixDB business and customer memories to MCP
// clients over stdio, HTTP or TCP.
//
// In stdio mode stdout carries JSON-RPC frames only; every log line goes to
// stderr.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
