package ollama

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/23skdu/corellm/internal/errs"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		in   string
		want Name
	}{
		{"llama3", Name{DefaultRegistry, DefaultNamespace, "llama3", DefaultTag}},
		{"llama3:8b", Name{DefaultRegistry, DefaultNamespace, "llama3", "8b"}},
		{"me/tiny:q8_0", Name{DefaultRegistry, "me", "tiny", "q8_0"}},
		{"host.example:5000/team/model", Name{"host.example:5000", "team", "model", DefaultTag}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseName(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ParseName(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}

	for _, bad := range []string{"", "a/b/c/d", "model:", "../model", "a//b"} {
		if _, err := ParseName(bad); !errors.Is(err, errs.InvalidConfig) {
			t.Errorf("ParseName(%q) err = %v, want InvalidConfig", bad, err)
		}
	}
}

// store lays out an Ollama models directory holding one model.
func store(t *testing.T, name Name, layers []Layer, blob string) string {
	t.Helper()
	dir := t.TempDir()
	mdir := filepath.Join(dir, "manifests", name.Registry, name.Namespace, name.Model)
	if err := os.MkdirAll(mdir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(Manifest{SchemaVersion: 2, Layers: layers})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mdir, name.Tag), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if blob != "" {
		if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "blobs", blob), []byte("GGUF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestResolve(t *testing.T) {
	name := Name{DefaultRegistry, DefaultNamespace, "tiny", DefaultTag}
	layers := []Layer{
		{MediaType: "application/vnd.ollama.image.template", Digest: "sha256:0001"},
		{MediaType: MediaTypeModel, Digest: "sha256:abcd", Size: 4},
	}
	dir := store(t, name, layers, "sha256-abcd")
	r := &Resolver{Dir: dir}

	got, err := r.Resolve("tiny")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "blobs", "sha256-abcd"); got != want {
		t.Errorf("Resolve = %s, want %s", got, want)
	}

	if _, err := r.Resolve("tiny:other"); !errors.Is(err, errs.NotFound) {
		t.Errorf("missing tag err = %v, want NotFound", err)
	}
}

func TestResolveBrokenStore(t *testing.T) {
	name := Name{DefaultRegistry, DefaultNamespace, "tiny", DefaultTag}
	tests := []struct {
		name   string
		layers []Layer
		blob   string
		want   errs.Kind
	}{
		{"no model layer", []Layer{{MediaType: "application/vnd.ollama.image.license", Digest: "sha256:1"}}, "", errs.Schema},
		{"missing blob", []Layer{{MediaType: MediaTypeModel, Digest: "sha256:ffff"}}, "", errs.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolver{Dir: store(t, name, tt.layers, tt.blob)}
			if _, err := r.Resolve("tiny"); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	dir := t.TempDir()
	mdir := filepath.Join(dir, "manifests", DefaultRegistry, DefaultNamespace, "tiny")
	if err := os.MkdirAll(mdir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mdir, DefaultTag), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (&Resolver{Dir: dir}).Resolve("tiny"); !errors.Is(err, errs.Schema) {
		t.Errorf("corrupt manifest err = %v, want Schema", err)
	}
}

func TestResolveModelPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(path, []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveModelPath(path)
	if err != nil || got != path {
		t.Errorf("ResolveModelPath(file) = %q, %v", got, err)
	}

	name := Name{DefaultRegistry, DefaultNamespace, "tiny", DefaultTag}
	dir := store(t, name, []Layer{{MediaType: MediaTypeModel, Digest: "sha256:beef"}}, "sha256-beef")
	t.Setenv("OLLAMA_MODELS", dir)
	got, err = ResolveModelPath("tiny")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(dir, "blobs", "sha256-beef") {
		t.Errorf("ResolveModelPath(name) = %s", got)
	}
}
