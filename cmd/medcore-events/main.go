// medcore-events is an operator tool for the realtime service. It publishes system
// events straight to the broker and mints development tokens.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, "MedCore Events - operator tool for the realtime service\n\n")
	fmt.Fprintf(os.Stderr, "Usage: medcore-events <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  publish   Publish a system event to every instance\n")
	fmt.Fprintf(os.Stderr, "  token     Mint a signed token for a development client\n")
	fmt.Fprintf(os.Stderr, "  version   Show version\n")
	fmt.Fprintf(os.Stderr, "  help      Show this help message\n")
	fmt.Fprintf(os.Stderr, "\nRun 'medcore-events <command> --help' for more information on a command.\n")
	fmt.Fprintf(os.Stderr, "\nREDIS_URL, MEDCORE_EVENTS_CHANNEL and JWT_SECRET are read from the environment.\n")
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("no command given")
	}

	switch args[0] {
	case "publish":
		return runPublish(args[1:])
	case "token":
		return runToken(args[1:], os.Stdout)
	case "version":
		fmt.Printf("medcore-events v%s\n", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nRun 'medcore-events help' for usage", args[0])
	}
}
