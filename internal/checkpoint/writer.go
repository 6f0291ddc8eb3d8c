package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/gpt2fwd/internal/model"
)

// Save writes p to path as an F32 safetensors file. The file is written to
// a temporary name in the same directory and renamed into place, so readers
// never see a partial checkpoint.
func Save(path string, p *model.ModelParameters) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return writeTensors(path, configMetadata(p.Config()), entries(p))
}

func writeTensors(path string, metadata map[string]string, tensors []entry) error {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, t := range tensors {
		size := int64(len(t.data)) * 4
		header[t.name] = tensorHeader{
			DType:       "F32",
			Shape:       t.shape,
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	return writeFileAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriterSize(w, 1<<20)
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(headerBytes); err != nil {
			return err
		}
		var buf [4]byte
		for _, t := range tensors {
			for _, v := range t.data {
				binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
				if _, err := bw.Write(buf[:]); err != nil {
					return fmt.Errorf("write %s: %w", t.name, err)
				}
			}
		}
		return bw.Flush()
	})
}

// writeFileAtomic streams write into a temp file next to path and renames it
// over path once everything has been written and closed.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			_ = os.Remove(tempFile.Name())
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			_ = tempFile.Close()
		}
	}()

	if err := write(tempFile); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false
	return nil
}
