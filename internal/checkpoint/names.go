package checkpoint

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/gpt2fwd/internal/model"
)

const (
	tokenEmbeddingName    = "wte"
	positionEmbeddingName = "wpe"
	logitsWeightName      = "lm_head.weight"
	logitsBiasName        = "lm_head.bias"
)

// blockLayerNames lists the per-block projection prefixes in the order of
// BlockParameters.Layers.
var blockLayerNames = [...]string{"attn.q", "attn.k", "attn.v", "mlp.up", "mlp.down"}

// entry binds a tensor name to the float32 storage it is read into or
// written from.
type entry struct {
	name  string
	shape []int
	data  []float32
}

// entries returns every tensor of p in canonical file order.
func entries(p *model.ModelParameters) []entry {
	out := make([]entry, 0, 4+10*len(p.Blocks))
	out = append(out,
		entry{tokenEmbeddingName, []int{p.TokenEmbeddings.R, p.TokenEmbeddings.C}, p.TokenEmbeddings.Data},
		entry{positionEmbeddingName, []int{p.PositionEmbeddings.R, p.PositionEmbeddings.C}, p.PositionEmbeddings.Data},
	)
	for b := range p.Blocks {
		for i, l := range p.Blocks[b].Layers() {
			prefix := fmt.Sprintf("h.%d.%s", b, blockLayerNames[i])
			out = append(out,
				entry{prefix + ".weight", []int{l.Weight.R, l.Weight.C}, l.Weight.Data},
				entry{prefix + ".bias", []int{len(l.Bias)}, l.Bias},
			)
		}
	}
	return append(out,
		entry{logitsWeightName, []int{p.Logits.Weight.R, p.Logits.Weight.C}, p.Logits.Weight.Data},
		entry{logitsBiasName, []int{len(p.Logits.Bias)}, p.Logits.Bias},
	)
}

// tensorSpec is the name and shape a checkpoint for a config must hold.
type tensorSpec struct {
	name  string
	shape []int
}

// tensorSpecs lists every tensor of cfg in canonical file order, matching
// entries for parameters built from cfg.
func tensorSpecs(cfg model.Config) []tensorSpec {
	d, h := cfg.EmbeddingDim, cfg.HiddenDim()
	// out x in weight shape per blockLayerNames entry.
	layerShapes := [len(blockLayerNames)][2]int{{d, d}, {d, d}, {d, d}, {h, d}, {d, h}}

	specs := make([]tensorSpec, 0, 4+10*cfg.NumBlocks)
	specs = append(specs,
		tensorSpec{tokenEmbeddingName, []int{cfg.VocabSize, d}},
		tensorSpec{positionEmbeddingName, []int{cfg.MaxPositionEmbeddings, d}},
	)
	for b := 0; b < cfg.NumBlocks; b++ {
		for i, layer := range blockLayerNames {
			prefix := fmt.Sprintf("h.%d.%s", b, layer)
			out, in := layerShapes[i][0], layerShapes[i][1]
			specs = append(specs,
				tensorSpec{prefix + ".weight", []int{out, in}},
				tensorSpec{prefix + ".bias", []int{out}},
			)
		}
	}
	return append(specs,
		tensorSpec{logitsWeightName, []int{cfg.VocabSize, d}},
		tensorSpec{logitsBiasName, []int{cfg.VocabSize}},
	)
}

// TensorNames returns the tensor names a checkpoint for cfg must contain.
func TensorNames(cfg model.Config) []string {
	specs := tensorSpecs(cfg)
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.name
	}
	return names
}

// configMetadata encodes cfg as the string map stored under __metadata__.
func configMetadata(cfg model.Config) map[string]string {
	return map[string]string{
		"format":                  "gpt2fwd",
		"embedding_dim":           strconv.Itoa(cfg.EmbeddingDim),
		"num_blocks":              strconv.Itoa(cfg.NumBlocks),
		"num_heads":               strconv.Itoa(cfg.NumHeads),
		"vocab_size":              strconv.Itoa(cfg.VocabSize),
		"max_position_embeddings": strconv.Itoa(cfg.MaxPositionEmbeddings),
		"layer_norm_epsilon":      strconv.FormatFloat(float64(cfg.LayerNormEpsilon), 'g', -1, 32),
		"ffn_multiplier":          strconv.Itoa(cfg.FFNMultiplier),
		"attention_tile":          strconv.Itoa(cfg.AttentionTile),
		"causal":                  strconv.FormatBool(cfg.Causal),
	}
}

// configFromMetadata starts from GPT2Small and applies every key present in
// md. Unknown keys are ignored.
func configFromMetadata(md map[string]string) (model.Config, error) {
	cfg := model.GPT2Small()
	ints := map[string]*int{
		"embedding_dim":           &cfg.EmbeddingDim,
		"num_blocks":              &cfg.NumBlocks,
		"num_heads":               &cfg.NumHeads,
		"vocab_size":              &cfg.VocabSize,
		"max_position_embeddings": &cfg.MaxPositionEmbeddings,
		"ffn_multiplier":          &cfg.FFNMultiplier,
		"attention_tile":          &cfg.AttentionTile,
	}
	for key, dst := range ints {
		s, ok := md[key]
		if !ok {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return model.Config{}, fmt.Errorf("%w: metadata %s=%q", ErrCorruptFile, key, s)
		}
		*dst = v
	}
	if s, ok := md["layer_norm_epsilon"]; ok {
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return model.Config{}, fmt.Errorf("%w: metadata layer_norm_epsilon=%q", ErrCorruptFile, s)
		}
		cfg.LayerNormEpsilon = float32(v)
	}
	if s, ok := md["causal"]; ok {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return model.Config{}, fmt.Errorf("%w: metadata causal=%q", ErrCorruptFile, s)
		}
		cfg.Causal = v
	}
	return cfg, cfg.Validate()
}
