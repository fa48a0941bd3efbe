// Package main is the FoodFast realtime load generator. Subcommands:
//
//   - saturate:  open N idle WebSocket connections and hold them
//   - chat:      customers message agents over WebSocket, latency measured at the agent
//   - broadcast: SSE subscribers on one announcement category receive admin broadcasts
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "broadcast":
		runBroadcast(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Open N idle WebSocket connections and hold them")
	fmt.Println("  chat        Customers message assigned agents; measures delivery latency")
	fmt.Println("  broadcast   SSE announcement subscribers; measures fan-out latency")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
