package nbd

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// FakeServer is a minimal in-process NBD server used by unit tests and by
// the fake hypervisor client. It serves whole exports from memory over a
// real TCP listener and offers failure-injection knobs so transfer
// behavior can be exercised without a hypervisor.
type FakeServer struct {
	ln net.Listener
	wg sync.WaitGroup

	mu      sync.Mutex
	exports map[string][]byte
	conns   map[net.Conn]struct{}

	// OmitHandshakeFlags clears the fixed-newstyle handshake bit so
	// clients see a server without the required capability.
	OmitHandshakeFlags bool
	// FailReads makes the next n read requests fail with ReadErrno.
	FailReads int
	ReadErrno uint32
	// DropMidPayload cuts the connection after sending half of the next
	// read payload.
	DropMidPayload bool
}

// StartFake starts a fake server on a loopback port.
func StartFake(exports map[string][]byte) (*FakeServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &FakeServer{ln: ln, exports: exports, conns: map[net.Conn]struct{}{}}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listener's host:port.
func (s *FakeServer) Addr() string { return s.ln.Addr().String() }

// SetExport adds or replaces an export.
func (s *FakeServer) SetExport(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports[name] = data
}

// Close stops the listener, tears down open connections, and waits for
// the serving goroutines.
func (s *FakeServer) Close() {
	s.ln.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *FakeServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *FakeServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	var hello [18]byte
	binary.BigEndian.PutUint64(hello[0:8], magicNBD)
	binary.BigEndian.PutUint64(hello[8:16], magicIHaveOpt)
	flags := uint16(flagFixedNewstyle)
	s.mu.Lock()
	if s.OmitHandshakeFlags {
		flags = 0
	}
	s.mu.Unlock()
	binary.BigEndian.PutUint16(hello[16:18], flags)
	if _, err := conn.Write(hello[:]); err != nil {
		return
	}
	var clientFlags [4]byte
	if _, err := io.ReadFull(conn, clientFlags[:]); err != nil {
		return
	}

	for {
		var hdr [16]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		if binary.BigEndian.Uint64(hdr[0:8]) != magicIHaveOpt {
			return
		}
		option := binary.BigEndian.Uint32(hdr[8:12])
		length := binary.BigEndian.Uint32(hdr[12:16])
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		switch option {
		case optAbort:
			writeOptionReply(conn, option, repAck, nil)
			return
		case optGo:
			if len(payload) < 4 {
				return
			}
			nameLen := binary.BigEndian.Uint32(payload[0:4])
			if uint32(len(payload)) < 4+nameLen {
				return
			}
			name := string(payload[4 : 4+nameLen])
			s.mu.Lock()
			data, ok := s.exports[name]
			s.mu.Unlock()
			if !ok {
				// NBD_REP_ERR_UNKNOWN
				writeOptionReply(conn, option, repErrorBit|6, nil)
				continue
			}
			info := make([]byte, 12)
			binary.BigEndian.PutUint16(info[0:2], infoExport)
			binary.BigEndian.PutUint64(info[2:10], uint64(len(data)))
			binary.BigEndian.PutUint16(info[10:12], flagHasFlags)
			writeOptionReply(conn, option, repInfo, info)
			writeOptionReply(conn, option, repAck, nil)
			s.transmission(conn, name)
			return
		default:
			// NBD_REP_ERR_UNSUP
			writeOptionReply(conn, option, repErrorBit|1, nil)
		}
	}
}

func (s *FakeServer) transmission(conn net.Conn, export string) {
	for {
		var hdr [28]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		if binary.BigEndian.Uint32(hdr[0:4]) != magicRequest {
			return
		}
		cmd := binary.BigEndian.Uint16(hdr[6:8])
		handle := binary.BigEndian.Uint64(hdr[8:16])
		offset := binary.BigEndian.Uint64(hdr[16:24])
		length := binary.BigEndian.Uint32(hdr[24:28])
		switch cmd {
		case cmdDisc:
			return
		case cmdRead:
			s.mu.Lock()
			data := s.exports[export]
			failErrno := uint32(0)
			if s.FailReads > 0 {
				s.FailReads--
				failErrno = s.ReadErrno
				if failErrno == 0 {
					failErrno = 5 // EIO
				}
			}
			drop := s.DropMidPayload
			if drop {
				s.DropMidPayload = false
			}
			s.mu.Unlock()

			if failErrno != 0 {
				writeSimpleReply(conn, failErrno, handle, nil)
				continue
			}
			if offset+uint64(length) > uint64(len(data)) {
				writeSimpleReply(conn, 22, handle, nil) // EINVAL
				continue
			}
			payload := data[offset : offset+uint64(length)]
			if drop && length > 1 {
				writeSimpleReply(conn, 0, handle, payload[:length/2])
				return
			}
			writeSimpleReply(conn, 0, handle, payload)
		default:
			writeSimpleReply(conn, 22, handle, nil)
		}
	}
}

func writeOptionReply(conn net.Conn, option, replyType uint32, payload []byte) {
	buf := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], magicOptionReply)
	binary.BigEndian.PutUint32(buf[8:12], option)
	binary.BigEndian.PutUint32(buf[12:16], replyType)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[20:], payload)
	_, _ = conn.Write(buf)
}

func writeSimpleReply(conn net.Conn, errno uint32, handle uint64, payload []byte) {
	buf := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], magicSimpleReply)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	copy(buf[16:], payload)
	_, _ = conn.Write(buf)
}
