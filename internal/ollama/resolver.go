// Package ollama locates GGUF weights stored by a local Ollama install so
// models can be loaded by name instead of path.
package ollama

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/logger"
)

const (
	DefaultTag       = "latest"
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Name is a parsed model reference such as "llama3", "me/tiny:q8" or
// "host.example/team/model:v1".
type Name struct {
	Registry  string
	Namespace string
	Model     string
	Tag       string
}

// ParseName fills missing parts with the defaults.
func ParseName(s string) (Name, error) {
	n := Name{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}
	if s == "" {
		return n, errs.Errorf(errs.InvalidConfig, "ollama.parse_name", "empty model name")
	}
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		n.Tag = s[i+1:]
		s = s[:i]
	}
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		n.Model = parts[0]
	case 2:
		n.Namespace, n.Model = parts[0], parts[1]
	case 3:
		n.Registry, n.Namespace, n.Model = parts[0], parts[1], parts[2]
	default:
		return n, errs.Errorf(errs.InvalidConfig, "ollama.parse_name", "too many path parts in %q", s)
	}
	for _, p := range []string{n.Registry, n.Namespace, n.Model, n.Tag} {
		if p == "" || p == "." || p == ".." {
			return n, errs.Errorf(errs.InvalidConfig, "ollama.parse_name", "invalid model name %q", s)
		}
	}
	return n, nil
}

func (n Name) String() string {
	return n.Registry + "/" + n.Namespace + "/" + n.Model + ":" + n.Tag
}

// DefaultDir returns $OLLAMA_MODELS or ~/.ollama/models.
func DefaultDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolver finds model blobs under an Ollama models directory.
type Resolver struct {
	Dir string
}

func NewResolver() (*Resolver, error) {
	dir, err := DefaultDir()
	if err != nil {
		return nil, err
	}
	return &Resolver{Dir: dir}, nil
}

// Resolve returns the GGUF blob path for a model name.
func (r *Resolver) Resolve(name string) (string, error) {
	const op = "ollama.resolve"
	n, err := ParseName(name)
	if err != nil {
		return "", err
	}
	manifestPath := filepath.Join(r.Dir, "manifests", n.Registry, n.Namespace, n.Model, n.Tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errs.Errorf(errs.NotFound, op, "model manifest not found at %s", manifestPath)
		}
		return "", errs.Wrap(errs.Other, op, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", errs.Wrap(errs.Schema, op, err)
	}
	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", errs.Errorf(errs.Schema, op, "no model layer in manifest for %s", n)
	}

	// Digests are "sha256:<hex>"; blobs are stored as "sha256-<hex>".
	blobPath := filepath.Join(r.Dir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", errs.Errorf(errs.NotFound, op, "model blob not found at %s", blobPath)
	}
	logger.Log.Debug("resolved model name", "name", n.String(), "path", blobPath)
	return blobPath, nil
}

// ResolveModelPath returns nameOrPath unchanged when it names an existing
// file and otherwise looks it up in the default Ollama directory.
func ResolveModelPath(nameOrPath string) (string, error) {
	if st, err := os.Stat(nameOrPath); err == nil && !st.IsDir() {
		return nameOrPath, nil
	}
	r, err := NewResolver()
	if err != nil {
		return "", err
	}
	return r.Resolve(nameOrPath)
}
