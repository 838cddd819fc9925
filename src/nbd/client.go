// Package nbd implements a client for the NBD fixed-newstyle protocol,
// covering the subset this tool needs: export negotiation via option
// haggling (including an optional STARTTLS upgrade) and simple-reply
// reads. All integers on the wire are big-endian.
//
// Protocol reference:
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md
package nbd

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	magicNBD         = 0x4e42444d41474943 // "NBDMAGIC"
	magicIHaveOpt    = 0x49484156454f5054 // "IHAVEOPT"
	magicOptionReply = 0x3e889045565a9
	magicRequest     = 0x25609513
	magicSimpleReply = 0x67446698

	// Handshake flags (server, 16 bit) and client flags (32 bit).
	flagFixedNewstyle       = 1 << 0
	clientFlagFixedNewstyle = 1 << 0

	// Transmission flags. HasFlags is the minimum capability we require
	// from an export.
	flagHasFlags = 1 << 0

	optAbort    = 2
	optStartTLS = 5
	optGo       = 7

	repAck      = 1
	repInfo     = 3
	repErrorBit = 1 << 31

	infoExport = 0

	cmdRead = 0
	cmdDisc = 2

	// Option reply payloads have no business being large; anything past
	// this is treated as a framing violation rather than allocated.
	maxOptionReplyLen = 1 << 20
)

// Config carries everything needed to open a connection. TLS is explicit:
// a nil TLS config means a cleartext session, a non-nil one upgrades the
// connection via the STARTTLS option during the handshake.
type Config struct {
	Address string
	TLS     *tls.Config
	Timeout time.Duration
}

// ExportInfo describes a negotiated export.
type ExportInfo struct {
	Size              uint64
	TransmissionFlags uint16
}

// Client is a connection to an NBD server. It is not safe for concurrent
// use; callers that want parallel reads open one client per worker.
type Client struct {
	conn         net.Conn
	timeout      time.Duration
	handle       uint64
	lastOption   uint32
	transmission bool
	export       ExportInfo
}

// Dial connects to the endpoint and performs the fixed-newstyle
// handshake, leaving the client in the option-haggling phase. Call Go to
// negotiate an export before reading.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Address, err)
	}
	c := &Client{conn: conn, timeout: cfg.Timeout}
	if err := c.handshake(cfg.TLS); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(tlsCfg *tls.Config) error {
	c.armDeadline()
	var buf [8]byte
	if err := c.recvall(buf[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint64(buf[:]) != magicNBD {
		return &ProtocolError{Reason: "bad protocol magic"}
	}
	if err := c.recvall(buf[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint64(buf[:]) != magicIHaveOpt {
		return &ProtocolError{Reason: "bad option-phase magic"}
	}
	var fb [2]byte
	if err := c.recvall(fb[:]); err != nil {
		return err
	}
	flags := binary.BigEndian.Uint16(fb[:])
	if flags&flagFixedNewstyle == 0 {
		return &ProtocolError{Reason: "server does not offer fixed-newstyle negotiation"}
	}
	var cf [4]byte
	binary.BigEndian.PutUint32(cf[:], clientFlagFixedNewstyle)
	if err := c.send(cf[:]); err != nil {
		return err
	}
	if tlsCfg != nil {
		return c.startTLS(tlsCfg)
	}
	return nil
}

func (c *Client) startTLS(cfg *tls.Config) error {
	if err := c.sendOption(optStartTLS, nil); err != nil {
		return err
	}
	replyType, payload, err := c.readOptionReply()
	if err != nil {
		return fmt.Errorf("tls negotiation: %w", err)
	}
	if replyType != repAck || len(payload) != 0 {
		return &ProtocolError{Reason: "unexpected reply to TLS upgrade"}
	}
	tc := tls.Client(c.conn, cfg)
	c.armDeadline()
	if err := tc.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	c.conn = tc
	log.WithField("address", c.conn.RemoteAddr()).Debug("nbd connection upgraded to TLS")
	return nil
}

// Go negotiates the named export and enters the transmission phase. The
// export must advertise the has-flags transmission capability.
func (c *Client) Go(exportName string) (ExportInfo, error) {
	if c.transmission {
		return ExportInfo{}, &ProtocolError{Reason: "export already negotiated"}
	}
	payload := make([]byte, 4+len(exportName)+2)
	binary.BigEndian.PutUint32(payload[0:4], uint32(len(exportName)))
	copy(payload[4:], exportName)
	// Trailing uint16: number of information requests (none; the server
	// always sends NBD_INFO_EXPORT).
	if err := c.sendOption(optGo, payload); err != nil {
		return ExportInfo{}, err
	}
	var info ExportInfo
	haveExport := false
	for {
		replyType, data, err := c.readOptionReply()
		if err != nil {
			return ExportInfo{}, err
		}
		switch replyType {
		case repInfo:
			if len(data) < 2 {
				return ExportInfo{}, &ProtocolError{Reason: "truncated info reply"}
			}
			if binary.BigEndian.Uint16(data[:2]) != infoExport {
				// Clients must ignore info types they do not understand.
				continue
			}
			if len(data) != 12 {
				return ExportInfo{}, &ProtocolError{Reason: "malformed export info reply"}
			}
			info.Size = binary.BigEndian.Uint64(data[2:10])
			info.TransmissionFlags = binary.BigEndian.Uint16(data[10:12])
			haveExport = true
		case repAck:
			if !haveExport {
				return ExportInfo{}, &ProtocolError{Reason: "option haggling ended without export info"}
			}
			if info.TransmissionFlags&flagHasFlags == 0 {
				return ExportInfo{}, &ProtocolError{Reason: "export does not set the has-flags capability"}
			}
			c.transmission = true
			c.export = info
			log.WithFields(log.Fields{
				"export": exportName,
				"size":   info.Size,
			}).Debug("nbd export negotiated")
			return info, nil
		default:
			return ExportInfo{}, &ProtocolError{Reason: fmt.Sprintf("unexpected option reply type %d", replyType)}
		}
	}
}

// Size returns the byte size of the negotiated export.
func (c *Client) Size() uint64 { return c.export.Size }

// ReadAt reads len(p) bytes at the given offset of the negotiated export.
// It either fills p completely or returns an error; short data is never
// silently returned.
func (c *Client) ReadAt(p []byte, offset uint64) error {
	if !c.transmission {
		return &ProtocolError{Reason: "read before export negotiation"}
	}
	if len(p) == 0 {
		return nil
	}
	c.handle++
	handle := c.handle
	c.armDeadline()
	var hdr [28]byte
	binary.BigEndian.PutUint32(hdr[0:4], magicRequest)
	binary.BigEndian.PutUint16(hdr[4:6], 0) // command flags
	binary.BigEndian.PutUint16(hdr[6:8], cmdRead)
	binary.BigEndian.PutUint64(hdr[8:16], handle)
	binary.BigEndian.PutUint64(hdr[16:24], offset)
	binary.BigEndian.PutUint32(hdr[24:28], uint32(len(p)))
	if err := c.send(hdr[:]); err != nil {
		return err
	}
	var reply [16]byte
	if err := c.recvall(reply[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(reply[0:4]) != magicSimpleReply {
		return &ProtocolError{Reason: "bad simple reply magic"}
	}
	errno := binary.BigEndian.Uint32(reply[4:8])
	if got := binary.BigEndian.Uint64(reply[8:16]); got != handle {
		return &ProtocolError{Reason: fmt.Sprintf("reply handle %d does not match request handle %d", got, handle)}
	}
	if errno != 0 {
		// No payload follows an errored simple reply.
		return &ServerError{Code: errno}
	}
	n, err := io.ReadFull(c.conn, p)
	if err != nil {
		if n > 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			return fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, len(p))
		}
		return c.asDisconnected(err)
	}
	return nil
}

// Close sends the appropriate goodbye for the current phase and closes
// the connection. Errors from the goodbye itself are ignored; the server
// side owns cleanup once the TCP session ends.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.armDeadline()
	if c.transmission {
		c.handle++
		var hdr [28]byte
		binary.BigEndian.PutUint32(hdr[0:4], magicRequest)
		binary.BigEndian.PutUint16(hdr[6:8], cmdDisc)
		binary.BigEndian.PutUint64(hdr[8:16], c.handle)
		_ = c.send(hdr[:])
	} else {
		_ = c.sendOption(optAbort, nil)
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) sendOption(option uint32, payload []byte) error {
	c.armDeadline()
	buf := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], magicIHaveOpt)
	binary.BigEndian.PutUint32(buf[8:12], option)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[16:], payload)
	if err := c.send(buf); err != nil {
		return err
	}
	c.lastOption = option
	return nil
}

func (c *Client) readOptionReply() (replyType uint32, payload []byte, err error) {
	var hdr [20]byte
	if err := c.recvall(hdr[:]); err != nil {
		return 0, nil, err
	}
	if binary.BigEndian.Uint64(hdr[0:8]) != magicOptionReply {
		return 0, nil, &ProtocolError{Reason: "bad option reply magic"}
	}
	option := binary.BigEndian.Uint32(hdr[8:12])
	replyType = binary.BigEndian.Uint32(hdr[12:16])
	length := binary.BigEndian.Uint32(hdr[16:20])
	if option != c.lastOption {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("reply to option %d while waiting for option %d", option, c.lastOption)}
	}
	if length > maxOptionReplyLen {
		return 0, nil, &ProtocolError{Reason: "oversized option reply"}
	}
	payload = make([]byte, length)
	if err := c.recvall(payload); err != nil {
		return 0, nil, err
	}
	if replyType&repErrorBit != 0 {
		return 0, nil, &OptionError{Option: option, Reply: replyType}
	}
	return replyType, payload, nil
}

// recvall fills buf completely or fails. A connection closed or timed out
// mid-frame maps to ErrDisconnected so callers can treat it as transient.
func (c *Client) recvall(buf []byte) error {
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return c.asDisconnected(err)
	}
	return nil
}

func (c *Client) send(buf []byte) error {
	if _, err := c.conn.Write(buf); err != nil {
		return c.asDisconnected(err)
	}
	return nil
}

func (c *Client) asDisconnected(err error) error {
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

func (c *Client) armDeadline() {
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}
