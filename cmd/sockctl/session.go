package main

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"time"

	"github.com/soypat/netsock"
	"golang.org/x/sync/errgroup"
)

const (
	copyBufSize = 4096
	// pollInterval bounds each blocking call so loops can observe ctx.
	pollInterval = 100 * time.Millisecond
)

var errPeerClosed = errors.New("peer closed")

// session copies in to sock and sock to out until the peer closes the
// connection or ctx is done. Reaching the end of in does not end the session.
func session(ctx context.Context, sock *netsock.Socket, in io.Reader, out io.Writer) error {
	if err := interruptible(sock); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	sent := make(chan error, 1)
	go func() { sent <- sendLoop(ctx, sock, in) }()
	g.Go(func() error {
		return recvLoop(ctx, sock, out)
	})
	g.Go(func() error {
		select {
		case err := <-sent:
			return err
		case <-ctx.Done():
			return nil
		}
	})
	return sessionErr(g.Wait())
}

// echoSession writes everything received on sock back to it, and a copy to out.
func echoSession(ctx context.Context, sock *netsock.Socket, out io.Writer) error {
	if err := interruptible(sock); err != nil {
		return err
	}
	return sessionErr(recvLoop(ctx, sock, io.MultiWriter(out, sockWriter{ctx, sock})))
}

// sockWriter writes to a socket with a poll timeout until ctx is done.
type sockWriter struct {
	ctx  context.Context
	sock *netsock.Socket
}

func (w sockWriter) Write(b []byte) (int, error) {
	if err := sendAll(w.ctx, w.sock, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func sessionErr(err error) error {
	if errors.Is(err, errPeerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// interruptible replaces a blocking timeout with pollInterval.
func interruptible(sock *netsock.Socket) error {
	if !sock.Timeout().IsBlocking() {
		return nil
	}
	return sock.SetTimeout(netsock.Timeout(pollInterval))
}

func retryable(err error) bool {
	return errors.Is(err, netsock.ErrTimedOut) || errors.Is(err, netsock.ErrWouldBlock)
}

// acceptContext accepts one connection on ln, giving up when ctx is done.
func acceptContext(ctx context.Context, ln *netsock.Socket) (*netsock.Socket, netip.AddrPort, error) {
	if err := interruptible(ln); err != nil {
		return nil, netip.AddrPort{}, err
	}
	for {
		conn, peer, err := ln.Accept()
		if err == nil || !retryable(err) {
			return conn, peer, err
		}
		if ctx.Err() != nil {
			return nil, netip.AddrPort{}, ctx.Err()
		}
	}
}

func recvLoop(ctx context.Context, sock *netsock.Socket, out io.Writer) error {
	buf := make([]byte, copyBufSize)
	for ctx.Err() == nil {
		n, err := sock.Recv(buf)
		if retryable(err) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errPeerClosed
		}
		_, err = out.Write(buf[:n])
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

func sendLoop(ctx context.Context, sock *netsock.Socket, in io.Reader) error {
	buf := make([]byte, copyBufSize)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if werr := sendAll(ctx, sock, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}

func sendAll(ctx context.Context, sock *netsock.Socket, b []byte) error {
	for len(b) > 0 {
		n, err := sock.Send(b)
		if n > 0 {
			b = b[n:]
		}
		switch {
		case retryable(err):
			if ctx.Err() != nil {
				return ctx.Err()
			}
		case err != nil:
			return err
		case n == 0:
			return io.ErrShortWrite
		}
	}
	return nil
}
