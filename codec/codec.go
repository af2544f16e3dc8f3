// Package codec expresses the "duck-typed serialization" capability set
// called for in the design notes: a matched pair of Encode/Decode functions
// per type, rather than requiring Key/Value to implement an interface
// themselves. This lets []byte, uint64, string, or any user type serve as a
// Key or Value with a small adapter, mirroring how the original template
// parameterized on ad hoc serialize()/deserialize() free functions.
package codec

import (
	"bufio"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
)

// Codec is the capability pair required of every Key and Value type: encode
// a value to a byte-oriented sink, and decode one back from a source. The
// log file and status file formats are built on top of these; the
// object-metadata file is written with fmt directly.
type Codec[T any] interface {
	Encode(w io.Writer, v T) error
	Decode(r *bufio.Reader) (T, error)
}

// Uint64Codec codes uint64 keys/values as decimal text followed by a space,
// matching the original's "fs << x << ' '" wire style for integral fields.
type Uint64Codec struct{}

func (Uint64Codec) Encode(w io.Writer, v uint64) error {
	_, err := fmt.Fprintf(w, "%d ", v)
	return err
}

func (Uint64Codec) Decode(r *bufio.Reader) (uint64, error) {
	var v uint64
	if _, err := fmt.Fscan(r, &v); err != nil {
		return 0, errors.Wrap(err, "decode uint64")
	}
	if _, err := r.ReadByte(); err != nil && err != io.EOF {
		return 0, errors.Wrap(err, "consume uint64 separator")
	}
	return v, nil
}

// StringCodec codes strings as "<len>,<bytes>", matching the original's
// std::string serializer ("fs << x.size() << ','; fs.write(...)").
type StringCodec struct{}

func (StringCodec) Encode(w io.Writer, v string) error {
	if _, err := fmt.Fprintf(w, "%d,", len(v)); err != nil {
		return err
	}
	_, err := io.WriteString(w, v)
	return err
}

func (StringCodec) Decode(r *bufio.Reader) (string, error) {
	var length int
	if _, err := fmt.Fscanf(r, "%d,", &length); err != nil {
		return "", errors.Wrap(err, "decode string length")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "read string body")
	}
	return string(buf), nil
}

// BytesCodec codes a []byte the same way as StringCodec, for callers that
// want raw keys/values instead of strings.
type BytesCodec struct{}

func (BytesCodec) Encode(w io.Writer, v []byte) error {
	if _, err := fmt.Fprintf(w, "%d,", len(v)); err != nil {
		return err
	}
	_, err := w.Write(v)
	return err
}

func (BytesCodec) Decode(r *bufio.Reader) ([]byte, error) {
	var length int
	if _, err := fmt.Fscanf(r, "%d,", &length); err != nil {
		return nil, errors.Wrap(err, "decode bytes length")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "read bytes body")
	}
	return buf, nil
}
