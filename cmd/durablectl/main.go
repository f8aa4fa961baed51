// Command durablectl inspects and maintains a durable message store.
//
// It prints the schema, lists nodes and duty assignments, replays or deletes
// dead letters and removes expired rows. Settings come from DURABLE_* variables
// and an optional .env file; --engine, --dsn and --prefix override them.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
