// Package codec implements the binary framing for everything that
// crosses the boundary between a live collection and a collection
// payload inside the container file: a field schema, an index
// directory, and a set of records.
//
// Everything is little-endian. Strings are UTF-8, length-prefixed by
// a uint32 byte count. The scalar type tags (text=0, real=1,
// boolean=2, instant=3, null=4) are value.Kind's own numeric values,
// so encoding a Value never needs a translation table.
//
// Grounded on the teacher's btree_index/btree_service.go
// encodeFieldValue (type tag byte followed by a binary.Write payload,
// length-prefixed strings and blobs) and on the general
// bytes.Buffer/encoding/binary style used throughout
// btree_index/btree_builder.go.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/strohdb/moddb/schema"
	"github.com/strohdb/moddb/value"
)

// FormatError reports malformed or truncated binary input: an unknown
// kind/type code, or a buffer that ends before a length-prefixed field
// does. The sections carry no version of their own; format versions
// are checked by package dbfile.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return fmt.Sprintf("codec: format error: %s", e.Reason) }

func formatErrorf(format string, args ...any) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// Record is the decoded form of one on-disk record: its id plus its
// internal projection (every field the schema declares, including
// hidden ones — persistence always round-trips the internal view).
type Record struct {
	ID     string
	Fields map[string]value.Value
}

func writeString(w *bytes.Buffer, s string) {
	b := []byte(s)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	w.Write(lenBuf[:])
	w.Write(b)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", formatErrorf("truncated string length: %v", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if uint64(n) > uint64(r.Len()) {
		return "", formatErrorf("string length %d exceeds remaining input", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", formatErrorf("truncated string body: %v", err)
	}
	return string(buf), nil
}

// EncodeSchema serializes a schema per spec §4.C: u32 field count,
// then for each field a string name and a u8 kind code.
func EncodeSchema(s *schema.Schema) []byte {
	var buf bytes.Buffer
	names := s.FieldNames()
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(names)))
	buf.Write(countBuf[:])
	for _, name := range names {
		def, _ := s.Field(name)
		writeString(&buf, name)
		buf.WriteByte(byte(def.Kind))
	}
	return buf.Bytes()
}

// DecodeSchema parses a schema payload previously produced by
// EncodeSchema, reconstructing field kinds only — indexed/unique/
// required/default/hidden/relation metadata is carried by the
// storage manager's own schema registry, not by the wire schema
// section, so a collection's declared behavior survives a reopen
// only when the caller re-opens with the same schema set (spec
// §4.H's `open` contract).
func DecodeSchema(data []byte) (*schema.Schema, error) {
	r := bytes.NewReader(data)
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, formatErrorf("truncated schema field count: %v", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	fields := make(map[string]schema.FieldDefinition, count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, formatErrorf("truncated schema kind code: %v", err)
		}
		kind := value.Kind(kindByte)
		if kind > value.Null {
			return nil, formatErrorf("unknown field kind code %d for field %q", kindByte, name)
		}
		fields[name] = schema.FieldDefinition{Kind: kind}
	}
	return schema.New(fields)
}

// IndexEntry is one row of an index directory: the on-disk record of
// an index's existence, not its contents (the B-tree itself is
// rebuilt from the records on load).
type IndexEntry struct {
	Name   string
	Field  string
	Unique bool
}

const indexFlagUnique = 1 << 0

// EncodeIndexDirectory serializes the index list per spec §4.C: u32
// count, then for each a name string, a field string, and a u8 flags
// byte (bit 0 = unique).
func EncodeIndexDirectory(entries []IndexEntry) []byte {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(entries)))
	buf.Write(countBuf[:])
	for _, e := range entries {
		writeString(&buf, e.Name)
		writeString(&buf, e.Field)
		var flags byte
		if e.Unique {
			flags |= indexFlagUnique
		}
		buf.WriteByte(flags)
	}
	return buf.Bytes()
}

// DecodeIndexDirectory parses an index directory payload.
func DecodeIndexDirectory(data []byte) ([]IndexEntry, error) {
	r := bytes.NewReader(data)
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, formatErrorf("truncated index count: %v", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	entries := make([]IndexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		field, err := readString(r)
		if err != nil {
			return nil, err
		}
		flags, err := r.ReadByte()
		if err != nil {
			return nil, formatErrorf("truncated index flags: %v", err)
		}
		entries = append(entries, IndexEntry{
			Name:   name,
			Field:  field,
			Unique: flags&indexFlagUnique != 0,
		})
	}
	return entries, nil
}

// EncodeRecords serializes a set of records against a schema's field
// order, per spec §4.C: for each record, u32 length-of-rest, the id
// string, then for every schema field in schema order a u8 type
// code, a u32 value length, and the value bytes (real/instant are
// 8-byte doubles, boolean is one byte, null has zero value bytes).
func EncodeRecords(s *schema.Schema, records []Record) []byte {
	var out bytes.Buffer
	order := s.FieldNames()
	for _, rec := range records {
		out.Write(encodeOneRecord(order, rec))
	}
	return out.Bytes()
}

func encodeOneRecord(order []string, rec Record) []byte {
	var body bytes.Buffer
	writeString(&body, rec.ID)
	for _, name := range order {
		v, ok := rec.Fields[name]
		if !ok {
			v = value.NullValue()
		}
		encodeValue(&body, v)
	}

	var framed bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	framed.Write(lenBuf[:])
	framed.Write(body.Bytes())
	return framed.Bytes()
}

func encodeValue(buf *bytes.Buffer, v value.Value) {
	buf.WriteByte(byte(v.Kind()))
	switch v.Kind() {
	case value.Text:
		b := []byte(v.Text())
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	case value.Real:
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], 8)
		buf.Write(lenBuf[:])
		var f [8]byte
		binary.LittleEndian.PutUint64(f[:], math.Float64bits(v.Real()))
		buf.Write(f[:])
	case value.Boolean:
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], 1)
		buf.Write(lenBuf[:])
		if v.Bool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case value.Instant:
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], 8)
		buf.Write(lenBuf[:])
		var msBuf [8]byte
		binary.LittleEndian.PutUint64(msBuf[:], math.Float64bits(float64(v.EpochMillis())))
		buf.Write(msBuf[:])
	default: // Null
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], 0)
		buf.Write(lenBuf[:])
	}
}

// DecodeRecords parses a sequence of records framed as EncodeRecords
// produces, against a schema's declared field order.
func DecodeRecords(s *schema.Schema, data []byte) ([]Record, error) {
	order := s.FieldNames()
	r := bytes.NewReader(data)
	var records []Record
	for r.Len() > 0 {
		rec, err := decodeOneRecord(order, r)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeOneRecord(order []string, r *bytes.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, formatErrorf("truncated record length: %v", err)
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if uint64(bodyLen) > uint64(r.Len()) {
		return Record{}, formatErrorf("record length %d exceeds remaining input", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, formatErrorf("truncated record body: %v", err)
	}
	br := bytes.NewReader(body)

	id, err := readString(br)
	if err != nil {
		return Record{}, err
	}

	fields := make(map[string]value.Value, len(order))
	for _, name := range order {
		v, err := decodeValue(br)
		if err != nil {
			return Record{}, err
		}
		if !v.IsNull() {
			fields[name] = v
		}
	}
	return Record{ID: id, Fields: fields}, nil
}

func decodeValue(r *bytes.Reader) (value.Value, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return value.Value{}, formatErrorf("truncated value kind: %v", err)
	}
	kind := value.Kind(kindByte)

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return value.Value{}, formatErrorf("truncated value length: %v", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if uint64(n) > uint64(r.Len()) {
		return value.Value{}, formatErrorf("value length %d exceeds remaining input", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return value.Value{}, formatErrorf("truncated value body: %v", err)
	}

	switch kind {
	case value.Text:
		return value.NewText(string(body)), nil
	case value.Real:
		if len(body) != 8 {
			return value.Value{}, formatErrorf("real value must be 8 bytes, got %d", len(body))
		}
		return value.NewReal(math.Float64frombits(binary.LittleEndian.Uint64(body))), nil
	case value.Boolean:
		if len(body) != 1 {
			return value.Value{}, formatErrorf("boolean value must be 1 byte, got %d", len(body))
		}
		return value.NewBool(body[0] != 0), nil
	case value.Instant:
		if len(body) != 8 {
			return value.Value{}, formatErrorf("instant value must be 8 bytes, got %d", len(body))
		}
		ms := int64(math.Float64frombits(binary.LittleEndian.Uint64(body)))
		return value.InstantFromMillis(ms), nil
	case value.Null:
		return value.NullValue(), nil
	default:
		return value.Value{}, formatErrorf("unknown value kind code %d", kindByte)
	}
}
