package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"

	"github.com/soypat/netsock"
	"github.com/spf13/cobra"
)

func newConnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connect HOST:PORT",
		Short: "Connect to a TCP server and copy stdin to it and its replies to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  connectAction,
	}
}

func newListenCommand() *cobra.Command {
	listenCommand := &cobra.Command{
		Use:   "listen ADDR:PORT",
		Short: "Accept one TCP connection and copy it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  listenAction,
	}
	listenCommand.Flags().Bool("echo", false, "Echo received data back to the peer instead of reading stdin")
	return listenCommand
}

func connectAction(cmd *cobra.Command, args []string) error {
	_, reg, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	addr, err := resolveAddr(ctx, reg, args[0])
	if err != nil {
		return err
	}
	sock := netsock.NewSocket(reg, family(addr), netsock.SOCK_STREAM, 0)
	defer sock.Close()
	timeout, _ := cmd.Flags().GetDuration("timeout")
	err = sock.SetTimeout(socketTimeout(timeout))
	if err != nil {
		return err
	}
	err = sock.Connect(addr)
	if err != nil {
		return err
	}
	if logger := newLogger(cmd); logger != nil {
		logger.Info("sockctl:connected", slog.String("addr", addr.String()), slog.String("nic", sock.NICName()))
	}
	return session(ctx, sock, cmd.InOrStdin(), cmd.OutOrStdout())
}

func listenAction(cmd *cobra.Command, args []string) error {
	_, reg, err := setup(cmd)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddrPort(args[0])
	if err != nil {
		return err
	}
	echo, _ := cmd.Flags().GetBool("echo")
	ln := netsock.NewSocket(reg, family(addr), netsock.SOCK_STREAM, 0)
	defer ln.Close()
	err = ln.SetSockOpt(netsock.SOL_SOCKET, netsock.SO_REUSEADDR, netsock.OptBool(true))
	if err != nil {
		return err
	}
	err = ln.Bind(addr)
	if err != nil {
		return err
	}
	err = ln.Listen(1)
	if err != nil {
		return err
	}
	local, err := ln.LocalAddr()
	if err == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "listening on", local, "via", ln.NICName())
	}
	conn, peer, err := acceptContext(cmd.Context(), ln)
	if errors.Is(err, context.Canceled) {
		return nil
	} else if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Fprintln(cmd.ErrOrStderr(), "accepted", peer)
	if echo {
		return echoSession(cmd.Context(), conn, cmd.OutOrStdout())
	}
	return session(cmd.Context(), conn, cmd.InOrStdin(), cmd.OutOrStdout())
}

// resolveAddr resolves a HOST:PORT argument to its first address.
func resolveAddr(ctx context.Context, reg *netsock.Registry, hostport string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad port %q", portStr)
	}
	infos, err := netsock.GetAddrInfo(ctx, reg, host, port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return infos[0].Addr, nil
}

func family(addr netip.AddrPort) netsock.Family {
	if addr.Addr().Unmap().Is4() {
		return netsock.AF_INET
	}
	return netsock.AF_INET6
}
