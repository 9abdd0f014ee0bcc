// Package wire implements the message framing for the legacy document
// database wire protocol (§6 of the design). Document encoding itself is
// treated as an external collaborator and delegated to
// go.mongodb.org/mongo-driver/bson; this package only knows about the
// fixed-size header, opcodes, and per-opcode payload shapes.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/moleculardb/shardrouter/errors"
)

// Opcode identifies the shape of a message's body.
type Opcode int32

const (
	OpReply       Opcode = 1
	OpUpdate      Opcode = 2001
	OpInsert      Opcode = 2002
	OpQuery       Opcode = 2004
	OpGetMore     Opcode = 2005
	OpDelete      Opcode = 2006
	OpKillCursors Opcode = 2007
)

// Reply flags, carried in the header of an OpReply message.
const (
	FlagCursorNotFound int32 = 0x01
	FlagQueryFailure    int32 = 0x02
	FlagShardConfigStale int32 = 0x04
	FlagAwaitCapable    int32 = 0x08
)

// Query flags, carried in the body of an OpQuery message.
const (
	QueryFlagTailableCursor int32 = 1 << 1
	QueryFlagSlaveOk        int32 = 1 << 2
	QueryFlagNoCursorTimeout int32 = 1 << 4
	QueryFlagPartial        int32 = 1 << 7
)

// headerLen is the size in bytes of the fixed message header.
const headerLen = 16

// MaxMessageSize bounds a single legacy wire message.
const MaxMessageSize = 48 * 1024 * 1024

// MaxDocumentSize is the limit on a single BSON document, used when
// trimming a query reply batch to stay under the wire limit.
const MaxDocumentSize = 16 * 1024 * 1024

// Header is the fixed 16-byte prefix on every message.
//
//	length       int32 // total message size, including this header
//	requestID    int32
//	responseTo   int32
//	opCode       int32
type Header struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	OpCode     Opcode
}

// ReadMessage reads one framed message off r. The returned body excludes the
// header and is exactly Length-headerLen bytes.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	var raw [headerLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, nil, err
	}
	h := Header{
		Length:     int32(binary.LittleEndian.Uint32(raw[0:4])),
		RequestID:  int32(binary.LittleEndian.Uint32(raw[4:8])),
		ResponseTo: int32(binary.LittleEndian.Uint32(raw[8:12])),
		OpCode:     Opcode(binary.LittleEndian.Uint32(raw[12:16])),
	}
	if h.Length < headerLen || h.Length > MaxMessageSize {
		return Header{}, nil, errors.New(errors.BadRequest, "message length out of range")
	}
	body := make([]byte, h.Length-headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, err
	}
	return h, body, nil
}

// DecodeHeader parses an already-read 16-byte header (raw) and reads the
// remaining body from r. Used when the first bytes of the header were
// already consumed for another purpose, such as the HTTP-peek check (§4.7).
func DecodeHeader(raw [headerLen]byte, r io.Reader) (Header, []byte, error) {
	h := Header{
		Length:     int32(binary.LittleEndian.Uint32(raw[0:4])),
		RequestID:  int32(binary.LittleEndian.Uint32(raw[4:8])),
		ResponseTo: int32(binary.LittleEndian.Uint32(raw[8:12])),
		OpCode:     Opcode(binary.LittleEndian.Uint32(raw[12:16])),
	}
	if h.Length < headerLen || h.Length > MaxMessageSize {
		return Header{}, nil, errors.New(errors.BadRequest, "message length out of range")
	}
	body := make([]byte, h.Length-headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, err
	}
	return h, body, nil
}

// WriteMessage frames and writes body with the given header fields, filling
// in Length automatically.
func WriteMessage(w io.Writer, requestID, responseTo int32, op Opcode, body []byte) error {
	bw := bufio.NewWriter(w)
	var raw [headerLen]byte
	binary.LittleEndian.PutUint32(raw[0:4], uint32(headerLen+len(body)))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(raw[8:12], uint32(responseTo))
	binary.LittleEndian.PutUint32(raw[12:16], uint32(op))
	if _, err := bw.Write(raw[:]); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

// HTTPPeekPrefix is the byte sequence that, when it begins a message read in
// place of the legacy 16-byte header, marks the connection as a plain HTTP/1.0
// request instead (§4.7, §6 HTTP side-channel).
const HTTPPeekPrefix = "GET "

// LooksLikeHTTP reports whether the first four bytes read from a freshly
// accepted connection are the ASCII marker for an HTTP GET, per §4.7: "a
// peek distinguishes the database wire protocol from an HTTP GET (fixed
// 4-byte prefix 'GET ' when viewed as little-endian int is the marker)".
func LooksLikeHTTP(peek [4]byte) bool {
	return string(peek[:]) == HTTPPeekPrefix
}
