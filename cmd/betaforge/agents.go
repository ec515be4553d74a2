package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/betaforge/betaforge/internal/agent/registry"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

func newAgentsCmd(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the tester personas in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			reg, _, err := registry.Provide(cfg.Registry, log)
			if err != nil {
				return err
			}

			agents := make([]*v1.Agent, 0)
			for _, p := range reg.List() {
				agents = append(agents, p.ToAPI())
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(v1.ListAgentsResponse{Agents: agents, Total: len(agents)})
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDEVICE\tVIEWPORT\tENABLED\tSPECIALIZATION")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%t\t%s\n",
					a.ID, a.Name, a.DeviceType, a.ViewportWidth, a.ViewportHeight, a.Enabled,
					strings.TrimSpace(a.Specialization))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the catalog as JSON")
	return cmd
}
