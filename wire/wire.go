// Package wire holds the message types shared by the betree and wal
// packages, kept separate so wal need not import betree's node/tree types
// to log and replay operations (§3, §6 of the design spec).
package wire

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"github.com/cockroachdb/errors"

	"betreedb/codec"
)

// Opcode identifies the kind of a Message. Numbering matches §6 exactly;
// note the deliberate gap at 3.
type Opcode uint8

const (
	OpInsert     Opcode = 0
	OpUpdate     Opcode = 1
	OpDelete     Opcode = 2
	OpCheckpoint Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// MaxTimestamp is the sentinel used by RangeEnd.
const MaxTimestamp = math.MaxUint64

// MessageKey orders by Key, then by Timestamp — the ordering the tree relies
// on to keep every upsert to a key distinguishable and replayable in the
// order it was issued.
type MessageKey[K any] struct {
	Key       K
	Timestamp uint64
}

// RangeStart returns the sentinel MessageKey that precedes every real
// message for k.
func RangeStart[K any](k K) MessageKey[K] {
	return MessageKey[K]{Key: k, Timestamp: 0}
}

// RangeEnd returns the sentinel MessageKey that follows every real message
// for k.
func RangeEnd[K any](k K) MessageKey[K] {
	return MessageKey[K]{Key: k, Timestamp: MaxTimestamp}
}

// Compare orders two MessageKeys given a Key comparator.
func Compare[K any](cmp func(a, b K) int, a, b MessageKey[K]) int {
	if c := cmp(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	default:
		return 0
	}
}

// Message is a pending or applied upsert: an opcode plus the value it
// carries. CHECKPOINT only ever appears in the log stream (§3).
type Message[V any] struct {
	Op  Opcode
	Val V
}

// Op is a single logged operation: a MessageKey (whose Timestamp doubles as
// the LSN, per §5's "Ordering" rule) paired with the Message it carries.
type Op[K, V any] struct {
	Key MessageKey[K]
	Msg Message[V]
}

// LSN returns the logical sequence number of this operation.
func (o Op[K, V]) LSN() uint64 {
	return o.Key.Timestamp
}

// Encode writes "<timestamp> <key> -> <opcode> <value>\n", the exact record
// shape of §6's log file format.
func Encode[K, V any](w io.Writer, keyCodec codec.Codec[K], valCodec codec.Codec[V], op Op[K, V]) error {
	u := codec.Uint64Codec{}
	if err := u.Encode(w, op.Key.Timestamp); err != nil {
		return err
	}
	if err := keyCodec.Encode(w, op.Key.Key); err != nil {
		return err
	}
	if _, err := io.WriteString(w, " -> "); err != nil {
		return err
	}
	if _, err := io.WriteString(w, op.Msg.Op.String()+" "); err != nil {
		return err
	}
	if err := valCodec.Encode(w, op.Msg.Val); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// Decode parses a single record written by Encode.
func Decode[K, V any](r *bufio.Reader, keyCodec codec.Codec[K], valCodec codec.Codec[V]) (Op[K, V], error) {
	var op Op[K, V]
	u := codec.Uint64Codec{}
	ts, err := u.Decode(r)
	if err != nil {
		return op, errors.Wrap(err, "decode timestamp")
	}
	key, err := keyCodec.Decode(r)
	if err != nil {
		return op, errors.Wrap(err, "decode key")
	}
	var arrow, opTok string
	if _, err := fmt.Fscan(r, &arrow, &opTok); err != nil {
		return op, errors.Wrap(err, "decode arrow/opcode")
	}
	if arrow != "->" {
		return op, errors.Newf("wire: expected '->', got %q", arrow)
	}
	opcode, err := opcodeFromToken(opTok)
	if err != nil {
		return op, err
	}
	val, err := valCodec.Decode(r)
	if err != nil {
		return op, errors.Wrap(err, "decode value")
	}
	op.Key = MessageKey[K]{Key: key, Timestamp: ts}
	op.Msg = Message[V]{Op: opcode, Val: val}
	return op, nil
}

func opcodeFromToken(s string) (Opcode, error) {
	switch s {
	case "INSERT":
		return OpInsert, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	case "CHECKPOINT":
		return OpCheckpoint, nil
	default:
		return 0, errors.Newf("wire: unknown opcode token %q", s)
	}
}
