// Package scatter splits sequences across engines and reassembles them.
//
// Block i of a sequence of length L split n ways starts at i*q + min(i, r)
// where q = L/n and r = L%n, so block sizes differ by at most one and the
// first r blocks are the larger ones.
package scatter

import (
	"fmt"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
)

// StyleBasic is the only supported partitioning style: contiguous blocks.
const StyleBasic = "basic"

// CheckStyle rejects styles other than StyleBasic.
func CheckStyle(style string) error {
	if style == "" || style == StyleBasic {
		return nil
	}
	return errdefs.ProtocolError("unsupported partition style %q", style)
}

// Bounds returns the half-open element range of block index out of n for a
// sequence of length length.
func Bounds(length, index, n int) (start, end int) {
	q, r := length/n, length%n
	start = index*q + min(index, r)
	end = start + q
	if index < r {
		end++
	}
	return start, end
}

// Partition returns block index of seq split n ways. The block shares
// storage with seq.
func Partition[T any](seq []T, index, n int) []T {
	if n <= 0 || index < 0 || index >= n {
		panic(fmt.Sprintf("scatter: block %d of %d", index, n))
	}
	start, end := Bounds(len(seq), index, n)
	return seq[start:end:end]
}

// Join concatenates blocks in order.
func Join[T any](parts [][]T) []T {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]T, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Block is one partition of a value as sent to an engine.
type Block struct {
	Value serial.Value

	// Bare is set when flatten sent a one-element block as the element
	// itself. Joining needs it: a bare list element looks like a block.
	Bare bool
}

// PartitionValue returns block index of v split n ways. v is either a Blob
// holding a CBOR list or an Array split along its first axis. With flatten a
// block of one element is returned as the bare element: the list item, or the
// 0-dimensional array for a 1-dimensional Array.
func PartitionValue(v serial.Value, index, n int, flatten bool) (serial.Value, error) {
	if n <= 0 || index < 0 || index >= n {
		return serial.Value{}, errdefs.ProtocolError("block %d of %d is out of range", index, n)
	}
	p, err := newPartitioner(v)
	if err != nil {
		return serial.Value{}, err
	}
	b, err := p.block(index, n, flatten)
	return b.Value, err
}

// PartitionBlocks splits v into n blocks in target order.
func PartitionBlocks(v serial.Value, n int, flatten bool) ([]Block, error) {
	if n <= 0 {
		return nil, errdefs.ProtocolError("cannot split into %d blocks", n)
	}
	p, err := newPartitioner(v)
	if err != nil {
		return nil, err
	}
	out := make([]Block, n)
	for i := range out {
		if out[i], err = p.block(i, n, flatten); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// partitioner holds a decoded sequence so that every block of it can be
// cut without decoding again.
type partitioner struct {
	v        serial.Value
	seq      []any
	rowBytes int
}

func newPartitioner(v serial.Value) (*partitioner, error) {
	p := &partitioner{v: v}
	switch v.Kind {
	case serial.KindBlob:
		if err := serial.Unmarshal(v.Data, &p.seq); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeSerializationError, "scatter needs a sequence", err)
		}
	case serial.KindArray:
		if len(v.Shape) == 0 {
			return nil, errdefs.New(errdefs.CodeSerializationError, "cannot scatter a 0-dimensional array")
		}
		rowBytes, err := rowSize(v)
		if err != nil {
			return nil, err
		}
		p.rowBytes = rowBytes
	default:
		return nil, errdefs.Newf(errdefs.CodeSerializationError, "cannot scatter value of kind %s", v.Kind)
	}
	return p, nil
}

func (p *partitioner) block(index, n int, flatten bool) (Block, error) {
	if p.v.Kind == serial.KindArray {
		start, end := Bounds(p.v.Shape[0], index, n)
		shape := append([]int{end - start}, p.v.Shape[1:]...)
		bare := flatten && end-start == 1 && len(p.v.Shape) == 1
		if bare {
			shape = []int{}
		}
		buf := p.v.Buffer[start*p.rowBytes : end*p.rowBytes]
		return Block{Value: serial.ArrayValue(shape, p.v.DType, buf), Bare: bare}, nil
	}

	items := Partition(p.seq, index, n)
	var out any = items
	bare := flatten && len(items) == 1
	if bare {
		out = items[0]
	}
	data, err := serial.Marshal(out)
	if err != nil {
		return Block{}, errdefs.Wrap(errdefs.CodeSerializationError, "cannot encode block", err)
	}
	return Block{Value: serial.Blob(data), Bare: bare}, nil
}

// JoinValues reassembles blocks of unknown layout. A list is taken as a
// block and anything else as a bare element; use JoinBlocks when the bare
// blocks are known.
func JoinValues(parts []serial.Value) (serial.Value, error) {
	blocks := make([]Block, len(parts))
	for i, p := range parts {
		blocks[i] = Block{Value: p}
	}
	return JoinBlocks(blocks)
}

// JoinBlocks reassembles blocks in order. It is the exact inverse of
// PartitionBlocks.
func JoinBlocks(blocks []Block) (serial.Value, error) {
	if len(blocks) == 0 {
		return serial.Value{}, errdefs.New(errdefs.CodeSerializationError, "nothing to gather")
	}

	switch blocks[0].Value.Kind {
	case serial.KindBlob:
		return joinBlobs(blocks)
	case serial.KindArray:
		parts := make([]serial.Value, len(blocks))
		for i, b := range blocks {
			parts[i] = b.Value
		}
		return joinArrays(parts)
	default:
		return serial.Value{}, errdefs.Newf(errdefs.CodeSerializationError, "cannot gather value of kind %s", blocks[0].Value.Kind)
	}
}

func joinBlobs(blocks []Block) (serial.Value, error) {
	out := make([]any, 0, len(blocks))
	for i, b := range blocks {
		if b.Value.Kind != serial.KindBlob {
			return serial.Value{}, errdefs.Newf(errdefs.CodeSerializationError, "block %d is %s, want %s", i, b.Value.Kind, serial.KindBlob)
		}
		var item any
		if err := serial.Unmarshal(b.Value.Data, &item); err != nil {
			return serial.Value{}, errdefs.Wrap(errdefs.CodeSerializationError, fmt.Sprintf("cannot decode block %d", i), err)
		}
		if seq, ok := item.([]any); ok && !b.Bare {
			out = append(out, seq...)
		} else {
			out = append(out, item)
		}
	}
	data, err := serial.Marshal(out)
	if err != nil {
		return serial.Value{}, errdefs.Wrap(errdefs.CodeSerializationError, "cannot encode gathered list", err)
	}
	return serial.Blob(data), nil
}

func joinArrays(parts []serial.Value) (serial.Value, error) {
	first := parts[0]
	var rowShape []int
	if len(first.Shape) > 0 {
		rowShape = first.Shape[1:]
	}

	rows := 0
	var buf []byte
	for i, p := range parts {
		if p.Kind != serial.KindArray || p.DType != first.DType {
			return serial.Value{}, errdefs.Newf(errdefs.CodeSerializationError, "block %d does not match the dtype of block 0", i)
		}
		shape := p.Shape
		if len(shape) == 0 {
			// A bare element of a 1-dimensional array.
			shape = []int{1}
		}
		if !equalShape(shape[1:], rowShape) {
			return serial.Value{}, errdefs.Newf(errdefs.CodeSerializationError, "block %d has shape %v, rows of %v expected", i, p.Shape, rowShape)
		}
		rows += shape[0]
		buf = append(buf, p.Buffer...)
	}

	shape := append([]int{rows}, rowShape...)
	out := serial.ArrayValue(shape, first.DType, buf)
	if err := out.Validate(); err != nil {
		return serial.Value{}, errdefs.Wrap(errdefs.CodeSerializationError, "gathered array is inconsistent", err)
	}
	return out, nil
}

// rowSize returns the number of buffer bytes per element of the first axis.
func rowSize(v serial.Value) (int, error) {
	rows := v.Shape[0]
	if rows == 0 {
		return 0, nil
	}
	if len(v.Buffer)%rows != 0 {
		return 0, errdefs.Newf(errdefs.CodeSerializationError, "buffer of %d bytes does not split into %d rows", len(v.Buffer), rows)
	}
	return len(v.Buffer) / rows, nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
