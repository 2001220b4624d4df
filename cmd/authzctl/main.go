// authzctl inspects the route map, explains access decisions and imports
// casbin CSV policy files over the stored policy.
//
// Usage:
//
//	authzctl routes validate [--json]
//	authzctl check --user ID --portal customer [--method GET] --path /customer/rfq [--json]
//	authzctl policy import FILE.csv
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/odyssey-access/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/routemap"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return cli.ExitFailure
	}
	command, rest := args[0], args[1:]
	if command != "check" {
		if len(rest) == 0 {
			printUsage()
			return cli.ExitFailure
		}
		command, rest = command+" "+rest[0], rest[1:]
	}

	var (
		jsonOutput bool
		userID     string
		portal     string
		method     string
		path       string
	)
	flagSet := pflag.NewFlagSet("authzctl "+command, pflag.ContinueOnError)
	flagSet.BoolVar(&jsonOutput, "json", false, "print machine-readable output")
	if command == "check" {
		flagSet.StringVar(&userID, "user", "", "user id to resolve")
		flagSet.StringVar(&portal, "portal", "", "portal the request targets")
		flagSet.StringVar(&method, "method", "GET", "HTTP method")
		flagSet.StringVar(&path, "path", "", "request path including the portal prefix")
	}
	if err := flagSet.Parse(rest); err != nil {
		return cli.ExitFailure
	}
	switch command {
	case "routes validate", "check", "policy import":
	default:
		printUsage()
		return cli.ExitFailure
	}
	out := cli.Output{JSONOutput: jsonOutput, Stdout: os.Stdout, Stderr: os.Stderr}

	if command == "routes validate" {
		routes, err := routemap.Default()
		if err != nil {
			fmt.Fprintf(os.Stderr, "routes validate: %v\n", err)
			return cli.ExitFailure
		}
		c, err := cli.NewAuthzCLI(routes, nil, nil, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return cli.ExitFailure
		}
		return c.ValidateRoutesCommand(out)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return cli.ExitFailure
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	components, err := app.Build(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wire services: %v\n", err)
		return cli.ExitFailure
	}
	defer components.Close()

	c, err := cli.NewAuthzCLI(components.Routes, components.Checker, components.Resolver, components.Enforcer)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitFailure
	}

	switch command {
	case "check":
		return c.CheckCommand(ctx, cli.CheckOptions{UserID: userID, Portal: portal, Method: method, Path: path, Output: out})
	case "policy import":
		files := flagSet.Args()
		if len(files) != 1 {
			fmt.Fprintln(os.Stderr, "policy import: exactly one CSV file expected")
			return cli.ExitFailure
		}
		return c.ImportCommand(ctx, cli.ImportOptions{Path: files[0], Output: out})
	default:
		printUsage()
		return cli.ExitFailure
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage:
  authzctl routes validate [--json]
  authzctl check --user ID --portal PORTAL [--method GET] --path PATH [--json]
  authzctl policy import FILE.csv
`)
}
