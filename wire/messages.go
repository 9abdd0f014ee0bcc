package wire

import (
	"bytes"
	"encoding/binary"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
)

// Query is the decoded body of an OpQuery message.
type Query struct {
	Flags     int32
	FullCollectionName string
	NumberToSkip       int32
	NumberToReturn     int32
	Selector           bson.Raw
	ReturnFieldsSelector bson.Raw
}

// DecodeQuery parses an OP_QUERY body.
func DecodeQuery(body []byte) (Query, error) {
	if len(body) < 4 {
		return Query{}, errors.New(errors.BadRequest, "query body too short")
	}
	q := Query{Flags: int32(binary.LittleEndian.Uint32(body[0:4]))}
	rest := body[4:]
	name, rest, err := readCString(rest)
	if err != nil {
		return Query{}, err
	}
	q.FullCollectionName = name
	if len(rest) < 8 {
		return Query{}, errors.New(errors.BadRequest, "query body truncated")
	}
	q.NumberToSkip = int32(binary.LittleEndian.Uint32(rest[0:4]))
	q.NumberToReturn = int32(binary.LittleEndian.Uint32(rest[4:8]))
	rest = rest[8:]
	sel, rest, err := readDocument(rest)
	if err != nil {
		return Query{}, err
	}
	q.Selector = sel
	if len(rest) > 0 {
		fields, _, err := readDocument(rest)
		if err != nil {
			return Query{}, err
		}
		q.ReturnFieldsSelector = fields
	}
	return q, nil
}

// EncodeQuery serialises a Query into an OP_QUERY body.
func EncodeQuery(q Query) []byte {
	buf := new(bytes.Buffer)
	var flags [4]byte
	binary.LittleEndian.PutUint32(flags[:], uint32(q.Flags))
	buf.Write(flags[:])
	buf.WriteString(q.FullCollectionName)
	buf.WriteByte(0)
	var skipReturn [8]byte
	binary.LittleEndian.PutUint32(skipReturn[0:4], uint32(q.NumberToSkip))
	binary.LittleEndian.PutUint32(skipReturn[4:8], uint32(q.NumberToReturn))
	buf.Write(skipReturn[:])
	if len(q.Selector) > 0 {
		buf.Write(q.Selector)
	} else {
		buf.Write(emptyDocument)
	}
	if len(q.ReturnFieldsSelector) > 0 {
		buf.Write(q.ReturnFieldsSelector)
	}
	return buf.Bytes()
}

var emptyDocument = []byte{5, 0, 0, 0, 0}

// EncodeGetMore serialises a GetMore into an OP_GET_MORE body.
func EncodeGetMore(g GetMore) []byte {
	buf := new(bytes.Buffer)
	var zero [4]byte
	buf.Write(zero[:])
	buf.WriteString(g.FullCollectionName)
	buf.WriteByte(0)
	var rest [12]byte
	binary.LittleEndian.PutUint32(rest[0:4], uint32(g.NumberToReturn))
	binary.LittleEndian.PutUint64(rest[4:12], uint64(g.CursorID))
	buf.Write(rest[:])
	return buf.Bytes()
}

// EncodeKillCursors serialises a KillCursors into an OP_KILL_CURSORS body.
func EncodeKillCursors(kc KillCursors) []byte {
	buf := new(bytes.Buffer)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(kc.CursorIDs)))
	buf.Write(hdr[:])
	for _, id := range kc.CursorIDs {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(id))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// EncodeDelete serialises a Delete into an OP_DELETE body.
func EncodeDelete(d Delete) []byte {
	buf := new(bytes.Buffer)
	var zero [4]byte
	buf.Write(zero[:])
	buf.WriteString(d.FullCollectionName)
	buf.WriteByte(0)
	var flags [4]byte
	binary.LittleEndian.PutUint32(flags[:], uint32(d.Flags))
	buf.Write(flags[:])
	if len(d.Selector) > 0 {
		buf.Write(d.Selector)
	} else {
		buf.Write(emptyDocument)
	}
	return buf.Bytes()
}

// EncodeUpdate serialises an Update into an OP_UPDATE body.
func EncodeUpdate(u Update) []byte {
	buf := new(bytes.Buffer)
	var zero [4]byte
	buf.Write(zero[:])
	buf.WriteString(u.FullCollectionName)
	buf.WriteByte(0)
	var flags [4]byte
	binary.LittleEndian.PutUint32(flags[:], uint32(u.Flags))
	buf.Write(flags[:])
	buf.Write(u.Selector)
	buf.Write(u.UpdateSpec)
	return buf.Bytes()
}

// EncodeInsert serialises an Insert into an OP_INSERT body.
func EncodeInsert(ins Insert) []byte {
	buf := new(bytes.Buffer)
	var flags [4]byte
	binary.LittleEndian.PutUint32(flags[:], uint32(ins.Flags))
	buf.Write(flags[:])
	buf.WriteString(ins.FullCollectionName)
	buf.WriteByte(0)
	for _, d := range ins.Documents {
		buf.Write(d)
	}
	return buf.Bytes()
}

// Reply is the encoded body of an OpReply message, plus header flags that
// belong logically to it (ResponseFlags, CursorID, StartingFrom, NumberReturned).
type Reply struct {
	ResponseFlags int32
	CursorID      int64
	StartingFrom  int32
	Documents     []bson.Raw
}

// EncodeReply serialises a Reply into an OP_REPLY body (flags + cursor id +
// starting-from + number-returned + concatenated documents).
func EncodeReply(r Reply) []byte {
	buf := new(bytes.Buffer)
	var hdr [20]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(r.ResponseFlags))
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(r.CursorID))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(r.StartingFrom))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(r.Documents)))
	buf.Write(hdr[:])
	for _, d := range r.Documents {
		buf.Write(d)
	}
	return buf.Bytes()
}

// DecodeReply parses an OP_REPLY body (used when reading replies streamed
// back from a backend node).
func DecodeReply(body []byte) (Reply, error) {
	if len(body) < 20 {
		return Reply{}, errors.New(errors.BackendInternalError, "reply body too short")
	}
	r := Reply{
		ResponseFlags: int32(binary.LittleEndian.Uint32(body[0:4])),
		CursorID:      int64(binary.LittleEndian.Uint64(body[4:12])),
		StartingFrom:  int32(binary.LittleEndian.Uint32(body[12:16])),
	}
	n := int32(binary.LittleEndian.Uint32(body[16:20]))
	rest := body[20:]
	for i := int32(0); i < n; i++ {
		doc, next, err := readDocument(rest)
		if err != nil {
			return Reply{}, err
		}
		r.Documents = append(r.Documents, doc)
		rest = next
	}
	return r, nil
}

// GetMore is the decoded body of an OP_GET_MORE message.
type GetMore struct {
	FullCollectionName string
	NumberToReturn     int32
	CursorID           int64
}

func DecodeGetMore(body []byte) (GetMore, error) {
	if len(body) < 4 {
		return GetMore{}, errors.New(errors.BadRequest, "get-more body too short")
	}
	name, rest, err := readCString(body[4:])
	if err != nil {
		return GetMore{}, err
	}
	if len(rest) < 12 {
		return GetMore{}, errors.New(errors.BadRequest, "get-more body truncated")
	}
	return GetMore{
		FullCollectionName: name,
		NumberToReturn:     int32(binary.LittleEndian.Uint32(rest[0:4])),
		CursorID:           int64(binary.LittleEndian.Uint64(rest[4:12])),
	}, nil
}

// KillCursors is the decoded body of an OP_KILL_CURSORS message.
type KillCursors struct {
	CursorIDs []int64
}

func DecodeKillCursors(body []byte) (KillCursors, error) {
	if len(body) < 8 {
		return KillCursors{}, errors.New(errors.BadRequest, "kill-cursors body too short")
	}
	n := int32(binary.LittleEndian.Uint32(body[4:8]))
	rest := body[8:]
	kc := KillCursors{}
	for i := int32(0); i < n; i++ {
		if len(rest) < 8 {
			return KillCursors{}, errors.New(errors.BadRequest, "kill-cursors body truncated")
		}
		kc.CursorIDs = append(kc.CursorIDs, int64(binary.LittleEndian.Uint64(rest[0:8])))
		rest = rest[8:]
	}
	return kc, nil
}

// Delete is the decoded body of an OP_DELETE message.
type Delete struct {
	FullCollectionName string
	Flags              int32
	Selector           bson.Raw
}

func DecodeDelete(body []byte) (Delete, error) {
	name, rest, err := readCString(body[4:])
	if err != nil {
		return Delete{}, err
	}
	if len(rest) < 4 {
		return Delete{}, errors.New(errors.BadRequest, "delete body truncated")
	}
	flags := int32(binary.LittleEndian.Uint32(rest[0:4]))
	sel, _, err := readDocument(rest[4:])
	if err != nil {
		return Delete{}, err
	}
	return Delete{FullCollectionName: name, Flags: flags, Selector: sel}, nil
}

// Update is the decoded body of an OP_UPDATE message.
type Update struct {
	FullCollectionName string
	Flags              int32
	Selector           bson.Raw
	UpdateSpec         bson.Raw
}

func DecodeUpdate(body []byte) (Update, error) {
	name, rest, err := readCString(body[4:])
	if err != nil {
		return Update{}, err
	}
	if len(rest) < 4 {
		return Update{}, errors.New(errors.BadRequest, "update body truncated")
	}
	flags := int32(binary.LittleEndian.Uint32(rest[0:4]))
	sel, rest2, err := readDocument(rest[4:])
	if err != nil {
		return Update{}, err
	}
	upd, _, err := readDocument(rest2)
	if err != nil {
		return Update{}, err
	}
	return Update{FullCollectionName: name, Flags: flags, Selector: sel, UpdateSpec: upd}, nil
}

// Insert is the decoded body of an OP_INSERT message.
type Insert struct {
	Flags              int32
	FullCollectionName string
	Documents          []bson.Raw
}

func DecodeInsert(body []byte) (Insert, error) {
	if len(body) < 4 {
		return Insert{}, errors.New(errors.BadRequest, "insert body too short")
	}
	flags := int32(binary.LittleEndian.Uint32(body[0:4]))
	name, rest, err := readCString(body[4:])
	if err != nil {
		return Insert{}, err
	}
	ins := Insert{Flags: flags, FullCollectionName: name}
	for len(rest) > 0 {
		doc, next, err := readDocument(rest)
		if err != nil {
			return Insert{}, err
		}
		ins.Documents = append(ins.Documents, doc)
		rest = next
	}
	return ins, nil
}

func readCString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, errors.New(errors.BadRequest, "unterminated cstring")
}

func readDocument(b []byte) (bson.Raw, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errors.New(errors.BadRequest, "document too short")
	}
	n := int32(binary.LittleEndian.Uint32(b[0:4]))
	if n < 5 || int(n) > len(b) {
		return nil, nil, errors.New(errors.BadRequest, "document length out of range")
	}
	return bson.Raw(b[:n]), b[n:], nil
}
