package main

import (
	"fmt"
	"time"

	"github.com/soypat/netsock"
	"github.com/spf13/cobra"
)

func newSendCommand() *cobra.Command {
	sendCommand := &cobra.Command{
		Use:   "send HOST:PORT MESSAGE",
		Short: "Send a UDP datagram and optionally wait for a reply",
		Args:  cobra.ExactArgs(2),
		RunE:  sendAction,
	}
	sendCommand.Flags().Duration("wait", 0, "Wait this long for a reply datagram")
	return sendCommand
}

func sendAction(cmd *cobra.Command, args []string) error {
	_, reg, err := setup(cmd)
	if err != nil {
		return err
	}
	addr, err := resolveAddr(cmd.Context(), reg, args[0])
	if err != nil {
		return err
	}
	sock := netsock.NewSocket(reg, family(addr), netsock.SOCK_DGRAM, 0)
	defer sock.Close()
	_, err = sock.SendTo([]byte(args[1]), addr)
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetDuration("wait")
	if wait <= 0 {
		return nil
	}
	err = sock.SetTimeout(netsock.Timeout(wait))
	if err != nil {
		return err
	}
	buf := make([]byte, 65535)
	start := time.Now()
	n, from, err := sock.RecvFrom(buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", from, time.Since(start).Round(time.Microsecond), buf[:n])
	return nil
}
