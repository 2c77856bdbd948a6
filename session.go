package svinit

import (
	"net"
	"sync"

	"github.com/axondata/go-svinit/internal/codec"
)

// Session message kinds. The manager sends spawn and signal; the
// supervisor answers with spawned or spawn-error, then reports ready,
// ack and exited.
const (
	msgSpawn      = "spawn"
	msgSpawned    = "spawned"
	msgSpawnError = "spawn-error"
	msgReady      = "ready"
	msgSignal     = "signal"
	msgAck        = "ack"
	msgExited     = "exited"
)

type sessionMessage struct {
	Kind       string             `cbor:"kind"`
	Session    string             `cbor:"session,omitempty"`
	Seq        uint64             `cbor:"seq,omitempty"`
	PID        int                `cbor:"pid,omitempty"`
	Signal     int                `cbor:"signal,omitempty"`
	Descriptor *ServiceDescriptor `cbor:"descriptor,omitempty"`
	Exit       *ExitStatus        `cbor:"exit,omitempty"`
	Error      *WireError         `cbor:"error,omitempty"`
}

// session is a CBOR message stream over a connected socket. Sends are
// serialized; a single goroutine is expected to receive.
type session struct {
	conn net.Conn
	dec  *codec.Decoder

	wmu sync.Mutex
	enc *codec.Encoder
}

func newSession(conn net.Conn) *session {
	return &session{
		conn: conn,
		dec:  codec.NewDecoder(conn),
		enc:  codec.NewEncoder(conn),
	}
}

func (s *session) send(m sessionMessage) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.enc.Encode(m)
}

func (s *session) recv() (sessionMessage, error) {
	var m sessionMessage
	err := s.dec.Decode(&m)
	return m, err
}

func (s *session) Close() error {
	return s.conn.Close()
}
