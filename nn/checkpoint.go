package nn

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/loom-ml/loom"
)

// Save writes the module's parameters as a stream of records: a uint64
// little-endian element count followed by the raw little-endian payload of
// size × dtype-size bytes.
func Save(m Module, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(loom.ErrIOFailure, "nn: opening %s for writing: %v", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	for _, param := range m.Parameters() {
		value := param.Value()
		if err := binary.Write(w, binary.LittleEndian, uint64(value.Size())); err != nil {
			return errors.Wrapf(loom.ErrIOFailure, "nn: writing record header: %v", err)
		}
		if _, err := w.Write(value.Bytes()); err != nil {
			return errors.Wrapf(loom.ErrIOFailure, "nn: writing parameter payload: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(loom.ErrIOFailure, "nn: flushing %s: %v", path, err)
	}
	return nil
}

// Load reads parameters saved by Save back into the module, in parameter
// order. A record whose element count differs from the in-memory
// parameter is refused.
func Load(m Module, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(loom.ErrIOFailure, "nn: opening %s for reading: %v", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	for _, param := range m.Parameters() {
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return errors.Wrapf(loom.ErrIOFailure, "nn: reading record header: %v", err)
		}
		value := param.Value()
		if count != uint64(value.Size()) {
			return errors.Wrapf(loom.ErrIOFailure,
				"nn: parameter size mismatch: file has %d elements, tensor has %d", count, value.Size())
		}
		payload := make([]byte, value.Size()*value.DType().Size())
		if _, err := io.ReadFull(r, payload); err != nil {
			return errors.Wrapf(loom.ErrIOFailure, "nn: reading parameter payload: %v", err)
		}
		value.Device().CopyImmediate(payload, value.DType(), value.Data(), value.DType(), value.Size())
	}
	return nil
}
