package main

import (
	"encoding/json"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/api"
)

// commit is set at build time via ldflags.
var commit = "dev"

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(versionInfo{
				Version:   api.Version,
				Commit:    commit,
				GoVersion: goruntime.Version(),
				Platform:  goruntime.GOOS + "/" + goruntime.GOARCH,
			})
		},
	}
}
