package checkpoint

import (
	"fmt"
	"slices"

	"github.com/samcharles93/gpt2fwd/internal/model"
	"github.com/samcharles93/gpt2fwd/internal/tensor"
)

// Load reads a checkpoint written by Save (or any safetensors file using the
// same tensor names) into freshly allocated parameters. The architecture
// comes from the file's metadata, and every tensor shape is checked against
// it before any data is copied.
func Load(path string) (*model.ModelParameters, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return LoadFile(f)
}

// LoadFile is Load for an already opened file. The file stays open.
func LoadFile(f *File) (*model.ModelParameters, error) {
	cfg, err := f.Config()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	// Nothing is allocated until the header accounts for every byte the
	// config implies.
	if err := f.checkHeader(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	p, err := model.NewZeroParameters(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}

	targets := entries(p)
	for _, e := range targets {
		if err := f.readInto(e.name, e.data); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return p, nil
}

// checkHeader verifies that every tensor cfg needs is present with the
// expected shape and byte length, and that together they fit in the data
// section.
func (f *File) checkHeader(cfg model.Config) error {
	if need := len(f.Tensors) - 4; need < 0 || cfg.NumBlocks > need/10 {
		return fmt.Errorf("%w: header lists %d tensors, %d blocks need %d", ErrTensorNotFound,
			len(f.Tensors), cfg.NumBlocks, 4+10*int64(cfg.NumBlocks))
	}
	payload := int64(len(f.Data)) - f.DataStart
	var total int64
	for _, spec := range tensorSpecs(cfg) {
		info, ok := f.Tensor(spec.name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTensorNotFound, spec.name)
		}
		if !slices.Equal(info.Shape, spec.shape) {
			return tensor.ShapeError("tensor %s has shape %v, want %v", spec.name, info.Shape, spec.shape)
		}
		size := dtypeSize(info.DType)
		if size == 0 {
			return fmt.Errorf("%w: %s (tensor %s)", ErrUnsupportedDType, info.DType, spec.name)
		}
		n, err := numElements(spec.shape)
		if err != nil || int64(n) > payload/size {
			return fmt.Errorf("%w: tensor %s with shape %v exceeds %d data bytes", ErrCorruptFile, spec.name, spec.shape, payload)
		}
		if got, want := info.End-info.Start, int64(n)*size; got != want {
			return fmt.Errorf("%w: tensor %s: %d bytes, want %d", ErrCorruptFile, spec.name, got, want)
		}
		total += info.End - info.Start
		if total > payload {
			return fmt.Errorf("%w: tensors need more than the %d data bytes", ErrCorruptFile, payload)
		}
	}
	return nil
}

func dtypeSize(dtype string) int64 {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	}
	return 0
}

// Config returns the architecture recorded in the file's metadata.
func (f *File) Config() (model.Config, error) {
	return configFromMetadata(f.Metadata)
}
