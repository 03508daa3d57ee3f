package types

import (
	"encoding/binary"
	"fmt"
)

// Molecule encoding of the CKB core types. Fixed-size structs are the
// concatenation of their fields, fixvecs are a little-endian u32 item count
// followed by the items, tables and dynvecs are a header of u32 total size
// and u32 offsets followed by the items.

func packUint32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func packUint64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func packBytes(b []byte) []byte {
	return append(packUint32(uint32(len(b))), b...)
}

func packFixVec(items [][]byte) []byte {
	out := packUint32(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

// packTable serializes both tables and dynvecs, which share a layout.
func packTable(fields [][]byte) []byte {
	headerSize := 4 * (1 + len(fields))
	total := headerSize
	for _, f := range fields {
		total += len(f)
	}

	out := make([]byte, 0, total)
	out = append(out, packUint32(uint32(total))...)
	offset := headerSize
	for _, f := range fields {
		out = append(out, packUint32(uint32(offset))...)
		offset += len(f)
	}
	for _, f := range fields {
		out = append(out, f...)
	}
	return out
}

// Serialize returns the molecule encoding of the script.
func (s *Script) Serialize() ([]byte, error) {
	hashType, err := s.HashType.serialize()
	if err != nil {
		return nil, err
	}
	return packTable([][]byte{
		s.CodeHash.Bytes(),
		{hashType},
		packBytes(s.Args),
	}), nil
}

// Serialize returns the molecule encoding of the out point.
func (op *OutPoint) Serialize() []byte {
	return append(op.TxHash.Bytes(), packUint32(uint32(op.Index))...)
}

// Serialize returns the molecule encoding of the input.
func (in *CellInput) Serialize() []byte {
	return append(packUint64(uint64(in.Since)), in.PreviousOutput.Serialize()...)
}

// Serialize returns the molecule encoding of the output.
func (out *CellOutput) Serialize() ([]byte, error) {
	lock, err := out.Lock.Serialize()
	if err != nil {
		return nil, err
	}
	var typ []byte
	if out.Type != nil {
		if typ, err = out.Type.Serialize(); err != nil {
			return nil, err
		}
	}
	return packTable([][]byte{
		packUint64(uint64(out.Capacity)),
		lock,
		typ,
	}), nil
}

// Serialize returns the molecule encoding of the cell dep.
func (dep *CellDep) Serialize() ([]byte, error) {
	depType, err := dep.DepType.serialize()
	if err != nil {
		return nil, err
	}
	return append(dep.OutPoint.Serialize(), depType), nil
}

// SerializeRaw returns the molecule encoding of the raw transaction, which
// excludes the witnesses.
func (tx *Transaction) SerializeRaw() ([]byte, error) {
	if uint64(tx.Version) > 0xffffffff {
		return nil, fmt.Errorf("types: transaction version out of range: %d", tx.Version)
	}

	cellDeps := make([][]byte, 0, len(tx.CellDeps))
	for i := range tx.CellDeps {
		b, err := tx.CellDeps[i].Serialize()
		if err != nil {
			return nil, err
		}
		cellDeps = append(cellDeps, b)
	}
	headerDeps := make([][]byte, 0, len(tx.HeaderDeps))
	for _, h := range tx.HeaderDeps {
		headerDeps = append(headerDeps, h.Bytes())
	}
	inputs := make([][]byte, 0, len(tx.Inputs))
	for i := range tx.Inputs {
		inputs = append(inputs, tx.Inputs[i].Serialize())
	}
	outputs := make([][]byte, 0, len(tx.Outputs))
	for i := range tx.Outputs {
		b, err := tx.Outputs[i].Serialize()
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, b)
	}
	outputsData := make([][]byte, 0, len(tx.OutputsData))
	for _, d := range tx.OutputsData {
		outputsData = append(outputsData, packBytes(d))
	}

	return packTable([][]byte{
		packUint32(uint32(tx.Version)),
		packFixVec(cellDeps),
		packFixVec(headerDeps),
		packFixVec(inputs),
		packTable(outputs),
		packTable(outputsData),
	}), nil
}

// Serialize returns the molecule encoding of the full transaction.
func (tx *Transaction) Serialize() ([]byte, error) {
	raw, err := tx.SerializeRaw()
	if err != nil {
		return nil, err
	}
	witnesses := make([][]byte, 0, len(tx.Witnesses))
	for _, w := range tx.Witnesses {
		witnesses = append(witnesses, packBytes(w))
	}
	return packTable([][]byte{raw, packTable(witnesses)}), nil
}
