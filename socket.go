package netsock

import (
	"errors"
	"log/slog"
	"net/netip"
)

// State is the lifecycle state of a [Socket].
type State uint8

const (
	// StateUnbound sockets have not selected a NIC yet.
	StateUnbound State = iota
	StateBound
	StateListening
	StateConnected
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown-state"
}

// binding ties a socket to the NIC it selected and the handle the NIC issued.
// Once set it only changes when the socket closes or a fresh selection is undone.
type binding struct {
	id   NICID
	nic  NIC
	name string
	h    Handle
}

// Socket is a network endpoint that picks its NIC on the first
// address-bearing operation (Bind, Connect or SendTo) and forwards
// every later operation to that NIC for the rest of its life.
//
// A Socket is meant to be used by one goroutine at a time. The exception is
// the classic full duplex pattern: once connected, one goroutine may Send
// while another Recvs, since neither modifies the socket.
type Socket struct {
	logger
	reg    *Registry
	params Params
	state  State
	nb     binding
	// bound is set while nb holds a live handle.
	bound      bool
	timeout    Timeout
	timeoutSet bool
	// pending holds socket options set before a NIC was selected, in call order.
	pending []sockopt
}

// NewSocket returns an unbound socket that will select its NIC from reg.
// It does not adopt any existing descriptor.
func NewSocket(reg *Registry, family Family, typ Type, proto int) *Socket {
	return NewSocketParams(reg, Params{Family: family, Type: typ, Protocol: proto, Fileno: -1})
}

// NewSocketParams is like [NewSocket] with the full set of creation
// parameters, including a descriptor for the selected NIC to adopt.
func NewSocketParams(reg *Registry, params Params) *Socket {
	if reg == nil {
		panic("netsock: nil registry")
	}
	return &Socket{
		logger:  reg.logger,
		reg:     reg,
		params:  params,
		timeout: Blocking,
	}
}

func (s *Socket) State() State { return s.state }

func (s *Socket) Params() Params { return s.params }

// Timeout returns the timeout last set on the socket.
func (s *Socket) Timeout() Timeout { return s.timeout }

// NIC returns the identifier of the selected NIC. ok is false while the
// socket is unbound or after it is closed.
func (s *Socket) NIC() (id NICID, ok bool) {
	return s.nb.id, s.bound
}

// NICName returns the name of the selected NIC or the empty string.
func (s *Socket) NICName() string {
	if !s.bound {
		return ""
	}
	return s.nb.name
}

// Bind assigns the local address. An unbound socket first selects the NIC
// able to route addr.IP(); when none can, Bind fails with [ErrUnreachable]
// and the socket stays unbound.
func (s *Socket) Bind(addr netip.AddrPort) error {
	const op = "bind"
	if err := s.usable(op, addr); err != nil {
		return err
	}
	if !addr.IsValid() {
		return kindError(op, s.NICName(), addr, ErrInvalidArgument)
	}
	if s.state != StateUnbound {
		err := s.nb.nic.Bind(s.nb.h, addr)
		if err != nil {
			return s.fail(op, addr, err)
		}
		return nil
	}
	err := s.selectNIC(op, addr)
	if err != nil {
		return err
	}
	err = s.nb.nic.Bind(s.nb.h, addr)
	if err != nil {
		err = s.fail(op, addr, err)
		s.unselect(op)
		return err
	}
	s.state = StateBound
	s.pending = nil
	s.debug("socket:bind", slog.String("nic", s.nb.name), slog.String("addr", addr.String()))
	return nil
}

// Connect connects the socket to addr, selecting a NIC first if the socket
// is unbound. A non-blocking connect that is still underway fails with
// [ErrWouldBlock] or [ErrInProgress] and keeps the NIC selection.
func (s *Socket) Connect(addr netip.AddrPort) error {
	const op = "connect"
	if err := s.usable(op, addr); err != nil {
		return err
	}
	if !addr.IsValid() {
		return kindError(op, s.NICName(), addr, ErrInvalidArgument)
	}
	fresh := s.state == StateUnbound
	if fresh {
		err := s.selectNIC(op, addr)
		if err != nil {
			return err
		}
		s.state = StateBound
	}
	err := s.nb.nic.Connect(s.nb.h, addr)
	if err != nil {
		err = s.fail(op, addr, err)
		if fresh && !errors.Is(err, ErrWouldBlock) && !errors.Is(err, ErrInProgress) {
			s.unselect(op)
		} else {
			s.pending = nil
		}
		return err
	}
	s.pending = nil
	s.state = StateConnected
	s.debug("socket:connect", slog.String("nic", s.nb.name), slog.String("addr", addr.String()))
	return nil
}

// Listen marks a bound socket as accepting connections. An unbound socket
// fails with [ErrNotConnected] since listening does not select a NIC.
func (s *Socket) Listen(backlog int) error {
	const op = "listen"
	if err := s.bindingFor(op); err != nil {
		return err
	}
	if backlog < 0 {
		backlog = 0
	}
	err := s.nb.nic.Listen(s.nb.h, backlog)
	if err != nil {
		return s.fail(op, netip.AddrPort{}, err)
	}
	s.state = StateListening
	return nil
}

// Accept waits for an incoming connection on a listening socket according to
// the socket's timeout. The returned socket is connected, bound to the same
// NIC and blocking.
func (s *Socket) Accept() (*Socket, netip.AddrPort, error) {
	const op = "accept"
	if err := s.bindingFor(op); err != nil {
		return nil, netip.AddrPort{}, err
	}
	if s.state != StateListening {
		return nil, netip.AddrPort{}, kindError(op, s.nb.name, netip.AddrPort{}, ErrInvalidArgument)
	}
	child := NewSocketParams(s.reg, s.params)
	h, peer, err := s.nb.nic.Accept(s.nb.h)
	if err != nil {
		return nil, netip.AddrPort{}, s.fail(op, netip.AddrPort{}, err)
	}
	// The child only gets its binding once the NIC accept succeeded.
	child.nb = binding{id: s.nb.id, nic: s.nb.nic, name: s.nb.name, h: h}
	child.bound = true
	child.state = StateConnected
	s.debug("socket:accept", slog.String("nic", s.nb.name), slog.String("peer", peer.String()))
	return child, peer, nil
}

// Send writes b to the connected peer and returns the number of bytes the
// NIC accepted, which may be less than len(b).
func (s *Socket) Send(b []byte) (int, error) {
	const op = "send"
	if err := s.bindingFor(op); err != nil {
		return 0, err
	}
	n, err := s.nb.nic.Send(s.nb.h, b)
	if err != nil {
		return n, s.fail(op, netip.AddrPort{}, err)
	}
	return n, nil
}

// Recv reads into b. A result of 0 with a nil error means the peer closed
// the connection, which is distinct from [ErrWouldBlock].
func (s *Socket) Recv(b []byte) (int, error) {
	const op = "recv"
	if err := s.bindingFor(op); err != nil {
		return 0, err
	}
	n, err := s.nb.nic.Recv(s.nb.h, b)
	if err != nil {
		return n, s.fail(op, netip.AddrPort{}, err)
	}
	return n, nil
}

// SendTo sends the datagram b to addr. On an unbound socket it selects the
// NIC routing addr first, the same way Bind and Connect do.
func (s *Socket) SendTo(b []byte, addr netip.AddrPort) (int, error) {
	const op = "sendto"
	if err := s.usable(op, addr); err != nil {
		return 0, err
	}
	if !addr.IsValid() {
		return 0, kindError(op, s.NICName(), addr, ErrInvalidArgument)
	}
	fresh := s.state == StateUnbound
	if fresh {
		err := s.selectNIC(op, addr)
		if err != nil {
			return 0, err
		}
	}
	n, err := s.nb.nic.SendTo(s.nb.h, b, addr)
	if err != nil {
		err = s.fail(op, addr, err)
		if fresh {
			s.unselect(op)
		}
		return n, err
	}
	if fresh {
		s.state = StateBound
		s.pending = nil
	}
	return n, nil
}

// RecvFrom reads a datagram into b and returns the sender's address.
func (s *Socket) RecvFrom(b []byte) (int, netip.AddrPort, error) {
	const op = "recvfrom"
	if err := s.bindingFor(op); err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, from, err := s.nb.nic.RecvFrom(s.nb.h, b)
	if err != nil {
		return n, from, s.fail(op, netip.AddrPort{}, err)
	}
	return n, from, nil
}

// SetSockOpt sets a socket option. Options set before a NIC is selected are
// held and applied, in call order, right after selection and before the
// bind or connect that triggered it.
func (s *Socket) SetSockOpt(level, opt int, value []byte) error {
	const op = "setsockopt"
	if err := s.usable(op, netip.AddrPort{}); err != nil {
		return err
	}
	if s.state == StateUnbound {
		s.pending = append(s.pending, sockopt{level: level, opt: opt, value: append([]byte(nil), value...)})
		return nil
	}
	err := s.nb.nic.SetSockOpt(s.nb.h, level, opt, value)
	if err != nil {
		return s.fail(op, netip.AddrPort{}, err)
	}
	return nil
}

// SetTimeout sets the blocking policy for subsequent operations. Before a
// NIC is selected the value is held and applied at selection.
func (s *Socket) SetTimeout(t Timeout) error {
	const op = "settimeout"
	if err := s.usable(op, netip.AddrPort{}); err != nil {
		return err
	}
	if t < 0 {
		t = Blocking
	}
	if s.state != StateUnbound {
		err := s.nb.nic.SetTimeout(s.nb.h, t)
		if err != nil {
			return s.fail(op, netip.AddrPort{}, err)
		}
	}
	s.timeout = t
	s.timeoutSet = true
	return nil
}

// SetTimeoutSeconds is SetTimeout with a timeout in seconds. Negative
// values select blocking mode.
func (s *Socket) SetTimeoutSeconds(seconds float64) error {
	return s.SetTimeout(TimeoutFromSeconds(seconds))
}

// SetBlocking is shorthand for setting a [Blocking] or [NonBlocking] timeout.
func (s *Socket) SetBlocking(blocking bool) error {
	if blocking {
		return s.SetTimeout(Blocking)
	}
	return s.SetTimeout(NonBlocking)
}

// Ioctl forwards a device specific request to the NIC. [IoctlClose]
// closes the socket.
func (s *Socket) Ioctl(request uint32, arg uintptr) (uintptr, error) {
	const op = "ioctl"
	if request == IoctlClose {
		return 0, s.Close()
	}
	if err := s.bindingFor(op); err != nil {
		return 0, err
	}
	ioc, ok := s.nb.nic.(Ioctler)
	if !ok {
		return 0, kindError(op, s.nb.name, netip.AddrPort{}, ErrNotSupported)
	}
	ret, err := ioc.Ioctl(s.nb.h, request, arg)
	if err != nil {
		return 0, s.fail(op, netip.AddrPort{}, err)
	}
	return ret, nil
}

// Poll returns which of the requested poll flags are ready without blocking.
func (s *Socket) Poll(flags uintptr) (uintptr, error) {
	return s.Ioctl(IoctlPoll, flags)
}

// LocalAddr returns the address the NIC bound the socket to.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	const op = "getsockname"
	if err := s.bindingFor(op); err != nil {
		return netip.AddrPort{}, err
	}
	la, ok := s.nb.nic.(LocalAddrer)
	if !ok {
		return netip.AddrPort{}, kindError(op, s.nb.name, netip.AddrPort{}, ErrNotSupported)
	}
	addr, err := la.LocalAddr(s.nb.h)
	if err != nil {
		return netip.AddrPort{}, s.fail(op, netip.AddrPort{}, err)
	}
	return addr, nil
}

// Close releases the NIC handle, if any. It is valid in every state, may be
// called any number of times and never fails: NIC errors are logged.
func (s *Socket) Close() error {
	if s.state == StateClosed {
		return nil
	}
	if s.bound {
		err := s.nb.nic.Close(s.nb.h)
		if err != nil {
			s.warn("socket:close", slog.String("nic", s.nb.name), slog.String("err", err.Error()))
		}
		s.bound = false
	}
	s.state = StateClosed
	s.pending = nil
	return nil
}

// selectNIC binds an unbound socket to the NIC routing addr, opens a handle
// on it and replays the held timeout and socket options. On failure the
// socket is left unbound.
func (s *Socket) selectNIC(op string, addr netip.AddrPort) error {
	id, nic, err := s.reg.Lookup(addr.Addr())
	if err != nil {
		return kindError(op, "", addr, ErrUnreachable)
	}
	name := nic.Name()
	h, err := nic.Open(s.params)
	if err != nil {
		return opError(op, nic, name, netip.AddrPort{}, err)
	}
	s.nb = binding{id: id, nic: nic, name: name, h: h}
	s.bound = true
	if s.timeoutSet {
		err = nic.SetTimeout(h, s.timeout)
		if err != nil {
			err = s.fail(op, netip.AddrPort{}, err)
			s.unselect(op)
			return err
		}
	}
	for _, o := range s.pending {
		err = nic.SetSockOpt(h, o.level, o.opt, o.value)
		if err != nil {
			err = s.fail(op, netip.AddrPort{}, err)
			s.unselect(op)
			return err
		}
	}
	s.trace("socket:select", slog.String("op", op), slog.String("nic", name), slog.Int("handle", int(h)))
	return nil
}

// unselect undoes a selection made during the current call. Held options
// stay queued for the next selection.
func (s *Socket) unselect(op string) {
	if !s.bound {
		return
	}
	err := s.nb.nic.Close(s.nb.h)
	if err != nil {
		s.warn("socket:unselect", slog.String("op", op), slog.String("nic", s.nb.name), slog.String("err", err.Error()))
	}
	s.nb = binding{}
	s.bound = false
	s.state = StateUnbound
}

func (s *Socket) usable(op string, addr netip.AddrPort) error {
	if s.state == StateClosed {
		return kindError(op, "", addr, ErrClosed)
	}
	return nil
}

// bindingFor fails operations that need a selected NIC.
func (s *Socket) bindingFor(op string) error {
	switch {
	case s.state == StateClosed:
		return kindError(op, "", netip.AddrPort{}, ErrClosed)
	case !s.bound:
		return kindError(op, "", netip.AddrPort{}, ErrNotConnected)
	}
	return nil
}

func (s *Socket) fail(op string, addr netip.AddrPort, err error) error {
	return opError(op, s.nb.nic, s.nb.name, addr, err)
}
