package engine

import (
	"github.com/23skdu/corellm/internal/errs"
)

// KVCache holds the keys and values of every processed position, one
// growable buffer per transformer block. All blocks always hold the same
// number of positions once a forward pass completes.
type KVCache struct {
	layers   int
	kvDim    int
	capacity int
	k        [][]float32
	v        [][]float32
	length   int
}

// NewKVCache creates an empty cache for at most capacity positions.
func NewKVCache(layers, kvDim, capacity int) *KVCache {
	return &KVCache{
		layers:   layers,
		kvDim:    kvDim,
		capacity: capacity,
		k:        make([][]float32, layers),
		v:        make([][]float32, layers),
	}
}

// Len is the number of committed positions.
func (c *KVCache) Len() int { return c.length }

// Capacity is the maximum number of positions.
func (c *KVCache) Capacity() int { return c.capacity }

// Bytes is the memory held by the committed positions.
func (c *KVCache) Bytes() int64 {
	return int64(c.layers) * 2 * int64(c.length) * int64(c.kvDim) * 4
}

// reserve checks that n more positions fit.
func (c *KVCache) reserve(n int) error {
	if c.length+n > c.capacity {
		return errs.Errorf(errs.ContextOverflow, "engine.kv_cache",
			"%d cached + %d new positions exceed context length %d", c.length, n, c.capacity)
	}
	return nil
}

// store writes rows of keys and values for layer starting at the current
// length and returns the layer's full key and value buffers.
func (c *KVCache) store(layer int, k, v []float32) ([]float32, []float32) {
	off := c.length * c.kvDim
	c.k[layer] = append(c.k[layer][:off], k...)
	c.v[layer] = append(c.v[layer][:off], v...)
	return c.k[layer], c.v[layer]
}

// commit advances the length after every layer stored n rows.
func (c *KVCache) commit(n int) { c.length += n }

// Layer returns the committed keys and values of one block.
func (c *KVCache) Layer(layer int) (k, v []float32) {
	n := c.length * c.kvDim
	return c.k[layer][:n], c.v[layer][:n]
}

// truncate keeps the first n positions.
func (c *KVCache) truncate(n int) { c.length = n }

// Reset drops every position but keeps the allocated buffers.
func (c *KVCache) Reset() {
	for i := range c.k {
		c.k[i] = c.k[i][:0]
		c.v[i] = c.v[i][:0]
	}
	c.length = 0
}

// Free releases the buffers.
func (c *KVCache) Free() {
	c.k = make([][]float32, c.layers)
	c.v = make([][]float32, c.layers)
	c.length = 0
}
