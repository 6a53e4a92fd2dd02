// Package wire implements the Wayland wire format: an 8-byte header
// (target object id, opcode, length) followed by a 4-byte-aligned
// payload, with file descriptors carried out-of-band and consumed
// positionally. Integers are encoded little-endian (binary.LittleEndian),
// which is the host byte order only on little-endian machines; there is
// no endianness byte.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed 8-byte message header: u32 target id, u16
// opcode, u16 length in bytes (header included).
const HeaderSize = 8

// Errors returned by Parser. Typed so request-dispatch can map them to
// protocol error codes sent back to the client.
type ParseError string

func (e ParseError) Error() string { return string(e) }

const (
	ErrShortHeader    ParseError = "wire: message shorter than header"
	ErrLengthTooSmall ParseError = "wire: length field below header size"
	ErrUnaligned      ParseError = "wire: length is not a multiple of 4"
	ErrTruncated      ParseError = "wire: payload shorter than declared length"
	ErrShortRead      ParseError = "wire: not enough bytes remaining for field"
	ErrStringNoNUL    ParseError = "wire: string payload missing NUL terminator"
	ErrNoFd           ParseError = "wire: fd requested but sideband queue empty"
)

// Header is the decoded form of a message's first 8 bytes.
type Header struct {
	TargetID uint32
	Opcode   uint16
	Length   uint16
}

// DecodeHeader reads a Header from the front of buf. buf must be at least
// HeaderSize bytes; callers validate Length against the bytes actually
// available before trusting it.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		TargetID: binary.LittleEndian.Uint32(buf[0:4]),
		Opcode:   binary.LittleEndian.Uint16(buf[4:6]),
		Length:   binary.LittleEndian.Uint16(buf[6:8]),
	}
	if h.Length < HeaderSize {
		return Header{}, ErrLengthTooSmall
	}
	if h.Length%4 != 0 {
		return Header{}, ErrUnaligned
	}
	return h, nil
}

// EncodeHeader writes h's 8 bytes to the front of buf. buf must be at
// least HeaderSize bytes.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.TargetID)
	binary.LittleEndian.PutUint16(buf[4:6], h.Opcode)
	binary.LittleEndian.PutUint16(buf[6:8], h.Length)
}

// align4 rounds n up to the next multiple of 4.
func align4(n int) int {
	if rem := n % 4; rem != 0 {
		n += 4 - rem
	}
	return n
}

// FdSource supplies file descriptors consumed positionally by a message's
// fd-typed arguments; backed by the connection's ancillary fd queue.
type FdSource interface {
	NextFd() (int, error)
}

// Parser walks a message payload field by field, consuming fds from src
// as fd-typed arguments are read. Not safe for concurrent use.
type Parser struct {
	buf []byte
	off int
	src FdSource
}

// NewParser wraps payload (the message body, excluding the 8-byte
// header) for sequential field decoding.
func NewParser(payload []byte, src FdSource) *Parser {
	return &Parser{buf: payload, src: src}
}

// Remaining reports how many payload bytes are left unconsumed.
func (p *Parser) Remaining() int { return len(p.buf) - p.off }

func (p *Parser) need(n int) error {
	if p.Remaining() < n {
		return ErrShortRead
	}
	return nil
}

// Int reads a 4-byte signed integer.
func (p *Parser) Int() (int32, error) {
	if err := p.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.LittleEndian.Uint32(p.buf[p.off:]))
	p.off += 4
	return v, nil
}

// Uint reads a 4-byte unsigned integer.
func (p *Parser) Uint() (uint32, error) {
	if err := p.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(p.buf[p.off:])
	p.off += 4
	return v, nil
}

// Fixed reads a 24.8 signed fixed-point number, returned as its raw
// wire representation; callers that need float math convert explicitly.
type Fixed int32

// ToFloat64 converts a 24.8 fixed-point value to float64.
func (f Fixed) ToFloat64() float64 { return float64(f) / 256.0 }

// FixedFromFloat64 converts a float64 to the 24.8 wire representation.
func FixedFromFloat64(v float64) Fixed { return Fixed(v * 256.0) }

// Fixed reads a fixed-point argument.
func (p *Parser) Fixed() (Fixed, error) {
	v, err := p.Int()
	return Fixed(v), err
}

// Object reads an object-id argument (0 means "null object").
func (p *Parser) Object() (uint32, error) { return p.Uint() }

// NewID reads a new_id argument.
func (p *Parser) NewID() (uint32, error) { return p.Uint() }

// String reads a length-prefixed, NUL-terminated, 4-byte-padded string.
func (p *Parser) String() (string, error) {
	n, err := p.Uint()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	total := align4(int(n))
	if err := p.need(total); err != nil {
		return "", err
	}
	raw := p.buf[p.off : p.off+int(n)]
	if raw[len(raw)-1] != 0 {
		return "", ErrStringNoNUL
	}
	p.off += total
	return string(raw[:len(raw)-1]), nil
}

// Array reads a length-prefixed, 4-byte-padded opaque byte array.
func (p *Parser) Array() ([]byte, error) {
	n, err := p.Uint()
	if err != nil {
		return nil, err
	}
	total := align4(int(n))
	if err := p.need(total); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p.buf[p.off:p.off+int(n)])
	p.off += total
	return out, nil
}

// Fd consumes the next descriptor from the sideband queue. Fds are never
// present in the payload itself.
func (p *Parser) Fd() (int, error) {
	if p.src == nil {
		return -1, ErrNoFd
	}
	return p.src.NextFd()
}

// Formatter serializes an outgoing event's arguments, tracking which fds
// must accompany the message (sent as ancillary data alongside it).
type Formatter struct {
	buf []byte
	fds []int
}

// NewFormatter starts a fresh event body.
func NewFormatter() *Formatter {
	return &Formatter{}
}

func (f *Formatter) PutInt(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	f.buf = append(f.buf, b[:]...)
}

func (f *Formatter) PutUint(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	f.buf = append(f.buf, b[:]...)
}

func (f *Formatter) PutFixed(v Fixed) { f.PutInt(int32(v)) }

func (f *Formatter) PutObject(id uint32) { f.PutUint(id) }

func (f *Formatter) PutNewID(id uint32) { f.PutUint(id) }

func (f *Formatter) PutString(s string) {
	raw := append([]byte(s), 0)
	f.PutUint(uint32(len(raw)))
	f.buf = append(f.buf, raw...)
	if pad := align4(len(raw)) - len(raw); pad > 0 {
		f.buf = append(f.buf, make([]byte, pad)...)
	}
}

func (f *Formatter) PutArray(data []byte) {
	f.PutUint(uint32(len(data)))
	f.buf = append(f.buf, data...)
	if pad := align4(len(data)) - len(data); pad > 0 {
		f.buf = append(f.buf, make([]byte, pad)...)
	}
}

// PutFd queues fd to be sent as ancillary data alongside this message; no
// bytes are written to the payload for it.
func (f *Formatter) PutFd(fd int) { f.fds = append(f.fds, fd) }

// Finish prepends the header for (targetID, opcode) and returns the
// complete wire message plus the fds that must ride along with it.
func (f *Formatter) Finish(targetID uint32, opcode uint16) ([]byte, []int, error) {
	total := HeaderSize + len(f.buf)
	if total > 0xFFFF {
		return nil, nil, errors.Errorf("wire: message too large to encode length (%d bytes)", total)
	}
	out := make([]byte, total)
	EncodeHeader(out, Header{TargetID: targetID, Opcode: opcode, Length: uint16(total)})
	copy(out[HeaderSize:], f.buf)
	return out, f.fds, nil
}
