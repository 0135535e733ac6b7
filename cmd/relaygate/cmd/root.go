// Package cmd provides the CLI commands for relaygate.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relaygate",
	Short: "relaygate - authenticating MCP gateway",
	Long: `relaygate is an authenticating, multiplexing gateway for Model Context
Protocol (MCP) servers.

It sits between MCP clients and any number of upstream MCP servers,
presenting them as a single server: users log in through OAuth 2.1
providers, tool calls are authorized through roles and per-server ACLs,
every security-relevant action lands in an append-only audit log, and
the tool catalogs of all upstreams are aggregated under one endpoint.

Quick start:
  1. Export JWT_SECRET (at least 32 characters)
  2. Run: relaygate start
  3. Configure an OAuth provider and upstream servers via /manage

Configuration:
  Config is loaded from relaygate.yaml in the current directory,
  $HOME/.relaygate/, or /etc/relaygate/. Bare environment variables
  (PORT, HOST, JWT_SECRET, DB_PATH, ...) override file values, and any
  key can be set with the RELAYGATE_ prefix.

Commands:
  start          Start the gateway
  hash-password  Generate an Argon2id hash for the local admin login
  version        Print version information`,
}

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Exit codes follow sysexits conventions.
const (
	exitConfig = 64 // bad or missing configuration
	exitStore  = 69 // store could not be opened
	exitCrypto = 70 // encryption key could not be loaded or created
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./relaygate.yaml)")
}
