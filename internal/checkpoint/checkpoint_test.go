package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/gpt2fwd/internal/model"
	"github.com/samcharles93/gpt2fwd/internal/tensor"
)

func tinyConfig() model.Config {
	return model.Config{
		EmbeddingDim:          8,
		NumBlocks:             2,
		NumHeads:              2,
		VocabSize:             13,
		MaxPositionEmbeddings: 5,
		LayerNormEpsilon:      1e-5,
		FFNMultiplier:         4,
		AttentionTile:         16,
		Causal:                true,
	}
}

func randomParams(t *testing.T) *model.ModelParameters {
	t.Helper()
	p, err := model.NewRandomParameters(tinyConfig(), 42)
	if err != nil {
		t.Fatalf("NewRandomParameters: %v", err)
	}
	tensor.FillUniformSlice(p.Logits.Bias, 3, 0.2)
	tensor.FillUniformSlice(p.Blocks[1].Down.Bias, 4, 0.2)
	return p
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	want := randomParams(t)
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Config() != want.Config() {
		t.Fatalf("config %+v, want %+v", got.Config(), want.Config())
	}
	we, ge := entries(want), entries(got)
	if len(we) != len(ge) {
		t.Fatalf("%d tensors, want %d", len(ge), len(we))
	}
	for i := range we {
		if we[i].name != ge[i].name || len(we[i].data) != len(ge[i].data) {
			t.Fatalf("entry %d: %s/%d, want %s/%d", i, ge[i].name, len(ge[i].data), we[i].name, len(we[i].data))
		}
		for j := range we[i].data {
			if we[i].data[j] != ge[i].data[j] {
				t.Fatalf("%s[%d] = %v, want %v", we[i].name, j, ge[i].data[j], we[i].data[j])
			}
		}
	}

	// A loaded checkpoint must produce the same logits as the original.
	m1, _ := model.New(want)
	m2, _ := model.New(got)
	l1, err := m1.Forward([]int{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	l2, err := m2.Forward([]int{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := range l1 {
		if l1[i] != l2[i] {
			t.Fatalf("logit %d = %v after reload, want %v", i, l2[i], l1[i])
		}
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "ckpt.safetensors")
	if err := Save(path, randomParams(t)); err != nil {
		t.Fatal(err)
	}
	// Overwriting an existing checkpoint goes through the same rename.
	if err := Save(path, randomParams(t)); err != nil {
		t.Fatal(err)
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Name() != "ckpt.safetensors" {
		names := make([]string, 0, len(items))
		for _, it := range items {
			names = append(names, it.Name())
		}
		t.Fatalf("directory holds %v, want only the checkpoint", names)
	}
}

func TestSaveRejectsReleased(t *testing.T) {
	t.Parallel()
	p := randomParams(t)
	p.Release()
	path := filepath.Join(t.TempDir(), "x.safetensors")
	if err := Save(path, p); !errors.Is(err, model.ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("released save created %s", path)
	}
}

func TestOpenListsTensorsAndMetadata(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	if err := Save(path, randomParams(t)); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	cfg := tinyConfig()
	want := TensorNames(cfg)
	if len(f.Tensors) != len(want) {
		t.Fatalf("%d tensors, want %d", len(f.Tensors), len(want))
	}
	for _, name := range want {
		if _, ok := f.Tensor(name); !ok {
			t.Fatalf("missing tensor %s", name)
		}
	}
	if f.Metadata["format"] != "gpt2fwd" || f.Metadata["num_blocks"] != "2" || f.Metadata["causal"] != "true" {
		t.Fatalf("unexpected metadata %v", f.Metadata)
	}
	info, _ := f.Tensor("h.1.mlp.up.weight")
	if len(info.Shape) != 2 || info.Shape[0] != 32 || info.Shape[1] != 8 {
		t.Fatalf("up weight shape %v, want [32 8]", info.Shape)
	}
	names := f.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("Names not sorted: %v", names)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := f.TensorBytes("wte"); err == nil {
		t.Fatal("expected error reading a closed file")
	}
}

func TestLoadMissingTensor(t *testing.T) {
	t.Parallel()
	p := randomParams(t)
	all := entries(p)
	var kept []entry
	for _, e := range all {
		if e.name != "h.0.attn.v.bias" {
			kept = append(kept, e)
		}
	}
	path := filepath.Join(t.TempDir(), "missing.safetensors")
	if err := writeTensors(path, configMetadata(p.Config()), kept); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
}

func TestLoadShapeMismatch(t *testing.T) {
	t.Parallel()
	p := randomParams(t)
	es := entries(p)
	for i := range es {
		if es[i].name == "wpe" {
			// Same element count, transposed shape.
			es[i].shape = []int{es[i].shape[1], es[i].shape[0]}
		}
	}
	path := filepath.Join(t.TempDir(), "shape.safetensors")
	if err := writeTensors(path, configMetadata(p.Config()), es); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}

	// Metadata describing a different architecture also fails the shape check.
	md := configMetadata(p.Config())
	md["vocab_size"] = "14"
	if err := writeTensors(path, md, entries(p)); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("wrong vocab metadata: expected ErrShapeMismatch, got %v", err)
	}
}

func TestLoadBadMetadata(t *testing.T) {
	t.Parallel()
	p := randomParams(t)
	md := configMetadata(p.Config())
	md["num_heads"] = "two"
	path := filepath.Join(t.TempDir(), "md.safetensors")
	if err := writeTensors(path, md, entries(p)); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}

	md["num_heads"] = "3"
	if err := writeTensors(path, md, entries(p)); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadChecksHeaderBeforeAllocating(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// Header only, asking for a thousand GPT-2 small blocks.
	headerOnly := filepath.Join(dir, "header-only")
	writeRaw(t, headerOnly, map[string]any{
		"__metadata__": map[string]string{"num_blocks": "1000"},
	}, nil)
	if _, err := Load(headerOnly); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("header only: expected ErrTensorNotFound, got %v", err)
	}

	// Every tensor listed with the right shape but no bytes behind it.
	cfg := model.GPT2Small()
	header := map[string]any{"__metadata__": configMetadata(cfg)}
	for _, spec := range tensorSpecs(cfg) {
		header[spec.name] = map[string]any{"dtype": "F32", "shape": spec.shape, "data_offsets": []int64{0, 4}}
	}
	empty := filepath.Join(dir, "empty")
	writeRaw(t, empty, header, make([]byte, 4))
	if _, err := Load(empty); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("short payload: expected ErrCorruptFile, got %v", err)
	}

	// Correct sizes, but every tensor aliases the same bytes.
	cfg = tinyConfig()
	header = map[string]any{"__metadata__": configMetadata(cfg)}
	largest := int64(0)
	for _, spec := range tensorSpecs(cfg) {
		n, err := numElements(spec.shape)
		if err != nil {
			t.Fatal(err)
		}
		header[spec.name] = map[string]any{"dtype": "F32", "shape": spec.shape, "data_offsets": []int64{0, int64(n) * 4}}
		largest = max(largest, int64(n)*4)
	}
	aliased := filepath.Join(dir, "aliased")
	writeRaw(t, aliased, header, make([]byte, largest))
	if _, err := Load(aliased); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("aliased tensors: expected ErrCorruptFile, got %v", err)
	}
}

func TestTensorNamesMatchEntries(t *testing.T) {
	t.Parallel()
	p := randomParams(t)
	specs := tensorSpecs(p.Config())
	es := entries(p)
	if len(specs) != len(es) {
		t.Fatalf("%d specs, %d entries", len(specs), len(es))
	}
	for i := range es {
		if specs[i].name != es[i].name || !slices.Equal(specs[i].shape, es[i].shape) {
			t.Fatalf("spec %d = %s %v, entry %s %v", i, specs[i].name, specs[i].shape, es[i].name, es[i].shape)
		}
	}
}

func writeRaw(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	buf := make([]byte, 8, 8+len(headerBytes)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestOpenCorruptFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	short := filepath.Join(dir, "short")
	if err := os.WriteFile(short, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(short); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("truncated: expected ErrCorruptFile, got %v", err)
	}

	longHeader := filepath.Join(dir, "long")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	if err := os.WriteFile(longHeader, append(lenBuf[:], '{', '}'), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(longHeader); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("oversized header: expected ErrCorruptFile, got %v", err)
	}

	badJSON := filepath.Join(dir, "json")
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	if err := os.WriteFile(badJSON, append(lenBuf[:], []byte("not valid js")...), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(badJSON); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("invalid json: expected ErrCorruptFile, got %v", err)
	}

	offsets := filepath.Join(dir, "offsets")
	writeRaw(t, offsets, map[string]any{
		"x": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}},
	}, make([]byte, 8))
	if _, err := Open(offsets); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("offsets past end: expected ErrCorruptFile, got %v", err)
	}

	if _, err := Open(filepath.Join(dir, "nonexistent")); !os.IsNotExist(err) {
		t.Fatalf("missing file: expected not-exist error, got %v", err)
	}
}

func TestTensorF32DTypes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dtypes.safetensors")
	data := []byte{
		// F32 1.5, -2
		0x00, 0x00, 0xC0, 0x3F, 0x00, 0x00, 0x00, 0xC0,
		// BF16 1.0, -0.5
		0x80, 0x3F, 0x00, 0xBF,
		// F16 1.0, 0.5
		0x00, 0x3C, 0x00, 0x38,
		// I8
		0x01, 0x02,
	}
	writeRaw(t, path, map[string]any{
		"f32":  map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int64{0, 8}},
		"bf16": map[string]any{"dtype": "BF16", "shape": []int{2}, "data_offsets": []int64{8, 12}},
		"f16":  map[string]any{"dtype": "F16", "shape": []int{1, 2}, "data_offsets": []int64{12, 16}},
		"i8":   map[string]any{"dtype": "I8", "shape": []int{2}, "data_offsets": []int64{16, 18}},
		"bad":  map[string]any{"dtype": "F32", "shape": []int{3}, "data_offsets": []int64{0, 8}},
	}, data)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	cases := map[string][]float32{
		"f32":  {1.5, -2},
		"bf16": {1, -0.5},
		"f16":  {1, 0.5},
	}
	for name, want := range cases {
		got, _, err := f.TensorF32(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
	}
	if _, _, err := f.TensorF32("i8"); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("i8: expected ErrUnsupportedDType, got %v", err)
	}
	if _, _, err := f.TensorF32("bad"); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("size mismatch: expected ErrCorruptFile, got %v", err)
	}
	if _, _, err := f.TensorF32("nope"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("missing: expected ErrTensorNotFound, got %v", err)
	}
}

func TestFP16Conversion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   uint16
		want float32
	}{
		{0x0000, 0},
		{0x3C00, 1},
		{0xC000, -2},
		{0x7BFF, 65504},
		{0x0001, 5.9604645e-08},
	}
	for _, tc := range tests {
		if got := fp16ToFloat32(tc.in); got != tc.want {
			t.Errorf("fp16ToFloat32(%#04x) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseGCSURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in             string
		bucket, object string
		ok             bool
	}{
		{"gs://models/gpt2/small.safetensors", "models", "gpt2/small.safetensors", true},
		{"gs://b/o", "b", "o", true},
		{"gs://bucket", "", "", false},
		{"gs://bucket/", "", "", false},
		{"gs:///object", "", "", false},
		{"/local/path", "", "", false},
	}
	for _, tc := range tests {
		bucket, object, err := ParseGCSURL(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ParseGCSURL(%q) err = %v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if bucket != tc.bucket || object != tc.object {
			t.Errorf("ParseGCSURL(%q) = %q, %q; want %q, %q", tc.in, bucket, object, tc.bucket, tc.object)
		}
	}
}

func TestCachePathStaysInsideDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	got, err := CachePath(dir, "gs://bucket/../../etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "bucket", "etc", "passwd")
	if got != want {
		t.Fatalf("CachePath = %q, want %q", got, want)
	}
}

func TestFetchLocalAndCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	local := filepath.Join(dir, "local.safetensors")
	got, err := Fetch(ctx, local, dir)
	if err != nil || got != local {
		t.Fatalf("Fetch(local) = %q, %v", got, err)
	}

	// A cached object is served without contacting Cloud Storage.
	src := "gs://bucket/ckpt/tiny.safetensors"
	cached, err := CachePath(dir, src)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(cached), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Save(cached, randomParams(t)); err != nil {
		t.Fatal(err)
	}
	got, err = Fetch(ctx, src, dir)
	if err != nil || got != cached {
		t.Fatalf("Fetch(cached) = %q, %v; want %q", got, err, cached)
	}

	if _, err := Fetch(ctx, "gs://bucket", dir); err == nil {
		t.Fatal("expected error for malformed gs:// URL")
	}
}
