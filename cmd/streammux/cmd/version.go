package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/streammux/internal/version"
)

var versionOutput string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit and build date of streammux as text, json or yaml.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		switch versionOutput {
		case "", "text":
			_, err := fmt.Fprintln(out, version.String())
			return err
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(version.GetInfo())
		case "yaml":
			return yaml.NewEncoder(out).Encode(version.GetInfo())
		default:
			return fmt.Errorf("unknown output format %q (want text, json or yaml)", versionOutput)
		}
	},
}

func init() {
	versionCmd.Flags().StringVarP(&versionOutput, "output", "o", "text", "output format (text, json, yaml)")
	rootCmd.AddCommand(versionCmd)
}
