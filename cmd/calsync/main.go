// Command calsync is the offline-first club calendar client.
package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Offline-first calendar sync for club coaches",
	Long: `calsync keeps a local copy of your club calendar, lets you create, edit
and delete events while offline, and pushes queued changes to the club server
as soon as it is reachable again.

Local state lives in a SQLite database; settings come from a config file,
CALSYNC_* environment variables and the flags below.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "calendar", Title: "Calendar:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (yaml or toml, default "+defaultConfigHint()+")")
	pf.String("db", "", "Path of the local SQLite database")
	pf.String("base-url", "", "Club API base URL")
	pf.String("token", "", "API bearer token")
	pf.Int64("user", 0, "Coach user id")
	pf.String("timezone", "", "IANA timezone used for month boundaries")
	pf.Bool("offline", false, "Never touch the network; changes stay queued")
	pf.Bool("quiet", false, "Do not copy log lines to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// exitf prints an error and exits like every command failure does.
func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
