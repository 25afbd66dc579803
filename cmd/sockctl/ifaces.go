package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/soypat/netsock"
	"github.com/spf13/cobra"
)

func newIfacesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ifaces",
		Short: "List the configured interfaces in attach order",
		Args:  cobra.NoArgs,
		RunE:  ifacesAction,
	}
}

func ifacesAction(cmd *cobra.Command, _ []string) error {
	cfg, reg, err := setup(cmd)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 4, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tFLAGS\tPREFIX\tRANGE\tADDRESSES")
	i := 0
	reg.Each(func(id netsock.NICID, nic netsock.NIC) bool {
		iface := cfg.Interfaces[i]
		i++
		flags := "-"
		if f, ok := nic.(netsock.NetFlagger); ok {
			flags = f.NetFlags().String()
		}
		prefixes, _ := iface.prefixes()
		if len(prefixes) == 0 {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t*\t-\t-\n", id, nic.Name(), iface.Kind, flags)
			return true
		}
		for _, p := range prefixes {
			first, last, count := describePrefix(p)
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s-%s\t%d\n", id, nic.Name(), iface.Kind, flags, p, first, last, count)
		}
		return true
	})
	return w.Flush()
}

// setup loads the configuration named by --config and builds its registry.
func setup(cmd *cobra.Command) (Config, *netsock.Registry, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return Config{}, nil, err
	}
	reg, err := newRegistry(cfg, newLogger(cmd))
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, reg, nil
}
