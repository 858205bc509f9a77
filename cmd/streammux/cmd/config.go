package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/streammux/internal/config"
)

const dumpHeader = `# streammux configuration
#
# Every value below is a default. Durations are written as 500ms, 30s or 5m
# and sizes as 64KiB or 1MiB. Environment variables override the file using
# the STREAMMUX_ prefix, e.g. STREAMMUX_STREAMING_PROXY_TYPE=ffmpeg.
#
# Channels are served at /stream/<id>. Channels sharing a group_id share
# that group's max_streams upstream connections:
#
#   channels:
#     - id: news
#       url: http://provider.example/live/news.ts
#       group_id: 1
#   groups:
#     - id: 1
#       max_streams: 2
#
# Provider playlists add one channel per entry:
#
#   playlists:
#     refresh: "0 */6 * * *"
#     sources:
#       - source: http://provider.example/get.php?type=m3u_plus
#         group_id: 1
#         id_prefix: prov-

`

var dumpEffective bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the default configuration as YAML",
	Long: `Print every configuration option with its default value. Redirect the
output to start a config file:

  streammux config dump > config.yaml

With --effective the loaded configuration is printed instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := ""
		if dumpEffective {
			path = cfgFile
		}
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		out := cmd.OutOrStdout()
		if !dumpEffective {
			if _, err := io.WriteString(out, dumpHeader); err != nil {
				return err
			}
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		return enc.Close()
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	Long:  "Load the configuration from file and environment, report validation errors and summarise channel groups.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "configuration ok: %d channels, %d groups, %d playlists\n",
			len(cfg.Channels), len(cfg.Groups), len(cfg.Playlists.Sources))
		printGroups(out, cfg)
		return nil
	},
}

// printGroups lists static channel counts per group. Playlist channels are
// only known once their sources are fetched.
func printGroups(w io.Writer, cfg *config.Config) {
	counts := make(map[int]int)
	for _, ch := range cfg.Channels {
		counts[ch.GroupID]++
	}
	groups := append([]config.GroupConfig(nil), cfg.Groups...)
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	for _, g := range groups {
		fmt.Fprintf(w, "  group %d: %d channels, max %d streams\n", g.ID, counts[g.ID], g.MaxStreams)
	}
}

func init() {
	configDumpCmd.Flags().BoolVar(&dumpEffective, "effective", false, "dump the loaded configuration instead of the defaults")
	configCmd.AddCommand(configDumpCmd, configCheckCmd)
	rootCmd.AddCommand(configCmd)
}
