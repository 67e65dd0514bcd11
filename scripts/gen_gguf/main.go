// gen_gguf writes the toy model variants used for manual testing into a
// directory.
package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/23skdu/corellm/internal/gguf"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/toymodel"
)

func variants() map[string]toymodel.Options {
	out := map[string]toymodel.Options{}
	for name, typ := range map[string]gguf.GGMLType{
		"llama-f32":  gguf.GGMLTypeF32,
		"llama-f16":  gguf.GGMLTypeF16,
		"llama-q8_0": gguf.GGMLTypeQ8_0,
		"llama-q4_0": gguf.GGMLTypeQ4_0,
	} {
		o := toymodel.Default()
		o.WeightType = typ
		out[name] = o
	}

	o := toymodel.Default()
	o.Arch = "qwen2"
	o.KVHeads = 2
	o.TiedOutput = true
	out["qwen2-tied"] = o

	o = toymodel.Default()
	o.Arch = "mistral"
	o.SlidingWindow = 8
	out["mistral-window"] = o
	return out
}

func main() {
	dir := flag.String("out", "testdata", "Output directory")
	flag.Parse()

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		logger.Log.Error("create output directory", "error", err)
		os.Exit(1)
	}
	for name, o := range variants() {
		path := filepath.Join(*dir, name+".gguf")
		if err := toymodel.WriteFile(path, o); err != nil {
			logger.Log.Error("write model", "path", path, "error", err)
			os.Exit(1)
		}
		logger.Log.Info("wrote model", "path", path)
	}
}
