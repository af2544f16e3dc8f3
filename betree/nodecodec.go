package betree

import (
	"bufio"

	"github.com/cockroachdb/errors"

	"betreedb/codec"
	"betreedb/swapspace"
	"betreedb/wire"
)

// nodeCodec adapts codec.Codec[K]/codec.Codec[V] into a swapspace.Codec for
// whole node bodies, writing the text record shape:
//
//	<numPivots> (<key> <childID> <childSize>)* <numElements> (<timestamp> <key> <opcode> <value>)*
//
// following the length-prefixed style the rest of the package's wire
// formats use (§6), rather than DaemonDB's fixed 4KB binary page layout,
// since a node here has no fixed maximum byte size.
type nodeCodec[K any, V any] struct {
	keyCodec codec.Codec[K]
	valCodec codec.Codec[V]
}

var u64 = codec.Uint64Codec{}

func (c nodeCodec[K, V]) Encode(w *bufio.Writer, n *node[K, V]) error {
	if err := u64.Encode(w, uint64(len(n.pivots))); err != nil {
		return err
	}
	for _, p := range n.pivots {
		if err := c.keyCodec.Encode(w, p.key); err != nil {
			return err
		}
		if err := u64.Encode(w, p.child.ID()); err != nil {
			return err
		}
		if err := u64.Encode(w, uint64(p.size)); err != nil {
			return err
		}
	}
	if err := u64.Encode(w, uint64(len(n.elements))); err != nil {
		return err
	}
	for _, e := range n.elements {
		if err := u64.Encode(w, e.key.Timestamp); err != nil {
			return err
		}
		if err := c.keyCodec.Encode(w, e.key.Key); err != nil {
			return err
		}
		if err := u64.Encode(w, uint64(e.msg.Op)); err != nil {
			return err
		}
		if err := c.valCodec.Encode(w, e.msg.Val); err != nil {
			return err
		}
	}
	return nil
}

func (c nodeCodec[K, V]) Decode(r *bufio.Reader) (*node[K, V], error) {
	n := newNode[K, V]()
	numPivots, err := u64.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decode node: pivot count")
	}
	for i := uint64(0); i < numPivots; i++ {
		key, err := c.keyCodec.Decode(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode node: pivot key")
		}
		childID, err := u64.Decode(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode node: pivot child id")
		}
		size, err := u64.Decode(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode node: pivot size")
		}
		n.pivots = append(n.pivots, pivot[K, V]{
			key:   key,
			child: swapspace.RefWithID[*node[K, V]](childID),
			size:  int(size),
		})
	}
	numElements, err := u64.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decode node: element count")
	}
	for i := uint64(0); i < numElements; i++ {
		ts, err := u64.Decode(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode node: element timestamp")
		}
		key, err := c.keyCodec.Decode(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode node: element key")
		}
		op, err := u64.Decode(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode node: element opcode")
		}
		val, err := c.valCodec.Decode(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode node: element value")
		}
		n.elements = append(n.elements, element[K, V]{
			key: wire.MessageKey[K]{Key: key, Timestamp: ts},
			msg: wire.Message[V]{Op: wire.Opcode(op), Val: val},
		})
	}
	return n, nil
}
