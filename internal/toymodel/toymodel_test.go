package toymodel

import (
	"bytes"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/23skdu/corellm/internal/gguf"
	"github.com/23skdu/corellm/internal/tokenizer"
)

func parse(t *testing.T, o Options) *gguf.File {
	t.Helper()
	w, err := Build(o)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	f, err := gguf.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return f
}

func TestBuildVariants(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		tensors int
	}{
		{"llama_f32", func(o *Options) {}, 1 + 2*9 + 2},
		{"llama_q8", func(o *Options) { o.WeightType = gguf.GGMLTypeQ8_0 }, 1 + 2*9 + 2},
		{"llama_f16_tied", func(o *Options) { o.WeightType = gguf.GGMLTypeF16; o.TiedOutput = true }, 1 + 2*9 + 1},
		{"qwen2", func(o *Options) { o.Arch = "qwen2" }, 1 + 2*12 + 2},
		{"mistral_gqa", func(o *Options) { o.Arch = "mistral"; o.KVHeads = 2; o.SlidingWindow = 8 }, 1 + 2*9 + 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Default()
			tt.mutate(&o)
			f := parse(t, o)
			if len(f.Tensors) != tt.tensors {
				t.Fatalf("tensors = %d, want %d", len(f.Tensors), tt.tensors)
			}
			if f.Metadata.Architecture() != o.Arch {
				t.Fatalf("architecture %q", f.Metadata.Architecture())
			}
		})
	}
}

func TestBuildRejectsBadShape(t *testing.T) {
	o := Default()
	o.Heads = 5
	if _, err := Build(o); err == nil {
		t.Fatal("expected error")
	}
}

func TestVocabularyEncodes(t *testing.T) {
	f := parse(t, Default())
	tok, err := tokenizer.New(f.Metadata)
	if err != nil {
		t.Fatal(err)
	}
	if tok.VocabSize() != len(Pieces) || len(Pieces) != 50 {
		t.Fatalf("vocab %d, pieces %d", tok.VocabSize(), len(Pieces))
	}
	got := tok.EncodeOpts("the cat sat on the mat", tokenizer.EncodeOptions{AddBOS: true})
	want := []int{1, ID("▁the"), ID("▁cat"), ID("▁sat"), ID("▁on"), ID("▁the"), ID("▁"), ID("m"), ID("at")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Encode = %v, want %v", got, want)
	}
	if ID("missing") != -1 {
		t.Fatal("unexpected id for unknown piece")
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toy.gguf")
	if err := WriteFile(path, Default()); err != nil {
		t.Fatal(err)
	}
	f, err := gguf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, ok := f.Tensor("output.weight"); !ok {
		t.Fatal("output.weight missing")
	}
}
