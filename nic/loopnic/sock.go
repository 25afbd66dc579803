package loopnic

import (
	"net/netip"
	"sync"

	"github.com/soypat/netsock"
	"github.com/soypat/netsock/internal/blocking"
)

type optKey struct {
	level, opt int
}

type datagram struct {
	data []byte
	from netip.AddrPort
}

// sock is the NIC side state of a handle. Fields other than in are guarded
// by the owning NIC's mutex.
type sock struct {
	params  netsock.Params
	timeout netsock.Timeout
	opts    map[optKey][]byte

	local netip.AddrPort
	bound bool
	// child is set on sockets created by a connect to a listener. They share
	// the listener's port without conflicting with it.
	child  bool
	closed bool

	listening bool
	accept    chan *sock

	// Stream connection state.
	peer   *sock
	remote netip.AddrPort
	in     *pipe

	dgrams chan datagram
}

func newSock(p netsock.Params) *sock {
	s := &sock{
		params:  p,
		timeout: netsock.Blocking,
		opts:    make(map[optKey][]byte),
	}
	if p.Type == netsock.SOCK_DGRAM {
		s.dgrams = make(chan datagram, dgramQueueLen)
	} else {
		s.in = newPipe()
	}
	return s
}

func (s *sock) optBool(level, opt int) bool {
	v, ok := netsock.ParseOptInt(s.opts[optKey{level, opt}])
	return ok && v != 0
}

// poll returns the ready poll flags.
func (s *sock) poll() (flags uintptr) {
	switch {
	case s.params.Type == netsock.SOCK_DGRAM:
		flags |= netsock.PollWR
		if len(s.dgrams) > 0 {
			flags |= netsock.PollRD
		}
	case s.listening:
		if len(s.accept) > 0 {
			flags |= netsock.PollRD
		}
	case s.peer != nil:
		readable, hup := s.in.state()
		if readable {
			flags |= netsock.PollRD
		}
		if hup {
			flags |= netsock.PollHUP
		} else {
			flags |= netsock.PollWR
		}
	}
	return flags
}

// shutdown releases the socket's connections and wakes its waiters.
// Called with the NIC mutex held.
func (s *sock) shutdown() {
	if s.closed {
		return
	}
	s.closed = true
	if s.listening {
		close(s.accept)
		for c := range s.accept {
			c.shutdown()
		}
	}
	if s.peer != nil {
		s.peer.in.closeWrite()
	}
	if s.in != nil {
		s.in.closeRead()
	}
	if s.dgrams != nil {
		close(s.dgrams)
	}
}

// pipe is the receive buffer of a stream socket.
type pipe struct {
	mu     sync.Mutex
	buf    []byte
	eof    bool // no more data will arrive
	closed bool // the reading socket is gone
	ready  chan struct{}
}

func newPipe() *pipe {
	return &pipe{ready: make(chan struct{}, 1)}
}

func (p *pipe) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *pipe) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.eof {
		return 0, netsock.EPIPE
	}
	p.buf = append(p.buf, b...)
	p.signal()
	return len(b), nil
}

// read waits until data or end of stream is available.
func (p *pipe) read(b []byte, d blocking.Deadline) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		p.mu.Lock()
		if len(p.buf) > 0 {
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			if len(p.buf) == 0 {
				p.buf = nil
			}
			p.mu.Unlock()
			return n, nil
		}
		if p.eof {
			p.mu.Unlock()
			return 0, nil
		}
		p.mu.Unlock()
		if _, _, err := blocking.Wait(d, p.ready); err != nil {
			return 0, err
		}
	}
}

// closeWrite marks the end of the stream.
func (p *pipe) closeWrite() {
	p.mu.Lock()
	p.eof = true
	p.signal()
	p.mu.Unlock()
}

// closeRead discards buffered data and makes further writes fail.
func (p *pipe) closeRead() {
	p.mu.Lock()
	p.closed = true
	p.eof = true
	p.buf = nil
	p.signal()
	p.mu.Unlock()
}

func (p *pipe) state() (readable, hup bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) > 0 || p.eof, p.eof
}
