package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"grimm.is/tollgate/cmd"
	"grimm.is/tollgate/internal/config"
)

const defaultConfigFile = "/etc/tollgate/tollgate.hcl"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", defaultConfigFile, "Configuration file")
		runFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		logLevel := runFlags.String("log-level", "", "Override log_level (debug, info, warn, error)")
		runFlags.Parse(os.Args[2:])

		if err := cmd.RunDaemon(*configFile, *logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("v", false, "Print the effective settings")
		checkFlags.Parse(os.Args[2:])

		configFile := checkFlags.Arg(0)
		if configFile == "" {
			configFile = defaultConfigFile
		}
		if err := cmd.RunCheck(os.Stdout, configFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		addr := statusFlags.String("api", config.DefaultAPIListen, "Daemon API address")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(ctx, os.Stdout, *addr); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "clients":
		clientsFlags := flag.NewFlagSet("clients", flag.ExitOnError)
		addr := clientsFlags.String("api", config.DefaultAPIListen, "Daemon API address")
		asJSON := clientsFlags.Bool("json", false, "Print JSON")
		clientsFlags.Parse(os.Args[2:])

		if err := cmd.RunClients(ctx, os.Stdout, *addr, *asJSON); err != nil {
			fmt.Fprintf(os.Stderr, "Clients failed: %v\n", err)
			os.Exit(1)
		}

	case "logout":
		logoutFlags := flag.NewFlagSet("logout", flag.ExitOnError)
		addr := logoutFlags.String("api", config.DefaultAPIListen, "Daemon API address")
		logoutFlags.Parse(os.Args[2:])

		if err := cmd.RunLogout(ctx, os.Stdout, *addr, logoutFlags.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Logout failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("tollgate %s\n", version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `tollgate - captive portal gateway

Usage:
  tollgate run [-c config] [-log-level level]   Run the gateway in the foreground
  tollgate check [-v] [config]                  Validate a configuration file
  tollgate status [-api addr]                   Show daemon and task status
  tollgate clients [-api addr] [-json]          List clients in the roster
  tollgate logout [-api addr] <mac>             Log a client out
  tollgate version                              Print the version
`)
}
