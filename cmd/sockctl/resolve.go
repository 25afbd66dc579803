package main

import (
	"fmt"

	"github.com/soypat/netsock"
	"github.com/spf13/cobra"
)

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve HOST",
		Short: "Resolve a host name through the interfaces and the DNS resolver",
		Args:  cobra.ExactArgs(1),
		RunE:  resolveAction,
	}
}

func resolveAction(cmd *cobra.Command, args []string) error {
	_, reg, err := setup(cmd)
	if err != nil {
		return err
	}
	infos, err := netsock.GetAddrInfo(cmd.Context(), reg, args[0], 0)
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Fprintln(cmd.OutOrStdout(), info.Addr.Addr())
	}
	return nil
}
