package netsock

import "io"

var (
	_ io.Reader = (*Socket)(nil)
	_ io.Writer = (*Socket)(nil)
	_ io.Closer = (*Socket)(nil)
)

// Read implements [io.Reader] over Recv. A closed peer is reported as [io.EOF].
func (s *Socket) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := s.Recv(b)
	if err == nil && n == 0 {
		return 0, io.EOF
	}
	return n, err
}

// Write implements [io.Writer] by calling Send until b is consumed or Send fails.
func (s *Socket) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := s.Send(b[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}
