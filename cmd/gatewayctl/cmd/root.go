// Package cmd implements the gatewayctl CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	keyFmt  = color.New(color.FgCyan).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
)

// options are the global flags shared by every command.
type options struct {
	output string
	dsn    string
}

// NewRootCmd builds the gatewayctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Operator CLI for the HMAC authentication gateway",
		Long: `gatewayctl manages tenant signing secrets in the gateway's PostgreSQL
store and produces, submits and checks HMAC-signed requests.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN for the secret store (default: $GATEWAY_POSTGRES_DSN)")

	root.AddCommand(
		newSecretsCmd(opts),
		newSignCmd(opts),
		newSendCmd(opts),
		newVerifyCmd(opts),
		newKeygenCmd(),
	)
	return root
}

// Execute runs the root command and prints any error.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), errFmt("Error:"), err)
	}
	return err
}

// render writes data as JSON or YAML when requested. It reports false for
// table output, which each command prints itself.
func render(w io.Writer, format string, data any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	case "table", "":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q", format)
}
