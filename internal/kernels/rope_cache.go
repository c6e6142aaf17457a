package kernels

import (
	"math"
	"sync"
)

// RoPECache stores pre-computed rotary cos/sin tables for the rotated
// prefix of each head. Tables use the split-halves layout: entry i and
// entry i+rotDim/2 share a frequency, so each row is [rotDim] wide with the
// second half duplicating the first.
//
// The cache grows on demand when a position beyond the cached range is
// requested and is safe for concurrent use.
type RoPECache struct {
	mu       sync.RWMutex
	invFreq  []float64 // [rotDim/2]
	cosCache []float32 // [maxPos][rotDim]
	sinCache []float32 // [maxPos][rotDim]
	rotDim   int
	maxPos   int
}

// NewRoPECache creates and initializes a RoPE cache covering positions
// [0, maxPos). rotDim must be even.
func NewRoPECache(rotDim int, base float32, maxPos int) *RoPECache {
	if rotDim <= 0 || rotDim%2 != 0 {
		panic("NewRoPECache: rotary dimension must be positive and even")
	}
	halfDim := rotDim / 2

	cache := &RoPECache{
		invFreq: make([]float64, halfDim),
		rotDim:  rotDim,
	}

	// Pre-compute frequencies (independent of position)
	for i := 0; i < halfDim; i++ {
		cache.invFreq[i] = 1.0 / math.Pow(float64(base), float64(2*i)/float64(rotDim))
	}

	cache.grow(maxPos)
	return cache
}

// RotDim returns the number of rotated channels per head.
func (c *RoPECache) RotDim() int {
	return c.rotDim
}

// MaxPos returns the number of cached positions.
func (c *RoPECache) MaxPos() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxPos
}

// grow extends the tables to cover maxPos positions. Caller must hold the
// write lock or own the cache exclusively.
func (c *RoPECache) grow(maxPos int) {
	if maxPos <= c.maxPos {
		return
	}
	halfDim := c.rotDim / 2

	cosCache := make([]float32, maxPos*c.rotDim)
	sinCache := make([]float32, maxPos*c.rotDim)
	copy(cosCache, c.cosCache)
	copy(sinCache, c.sinCache)

	for pos := c.maxPos; pos < maxPos; pos++ {
		row := pos * c.rotDim
		for i := 0; i < halfDim; i++ {
			theta := float64(pos) * c.invFreq[i]
			cos := float32(math.Cos(theta))
			sin := float32(math.Sin(theta))
			cosCache[row+i] = cos
			cosCache[row+i+halfDim] = cos
			sinCache[row+i] = sin
			sinCache[row+i+halfDim] = sin
		}
	}

	c.cosCache = cosCache
	c.sinCache = sinCache
	c.maxPos = maxPos
}

// ensure makes positions [0, n) available.
func (c *RoPECache) ensure(n int) {
	c.mu.RLock()
	ok := n <= c.maxPos
	c.mu.RUnlock()
	if ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.grow(max(n, 2*c.maxPos))
}

// Tables returns copies of the first seqLen rows of the cos and sin
// tables, each laid out as [seqLen][rotDim].
func (c *RoPECache) Tables(seqLen int) (cos, sin []float32) {
	c.ensure(seqLen)

	c.mu.RLock()
	defer c.mu.RUnlock()
	n := seqLen * c.rotDim
	cos = make([]float32, n)
	sin = make([]float32, n)
	copy(cos, c.cosCache[:n])
	copy(sin, c.sinCache[:n])
	return cos, sin
}

// ApplyRoPECached rotates the first rotDim channels of every head in place
// using the cached tables. Channels [rotDim, headDim) pass through.
//
// x: [batch, nHeads, seqLen, headDim]
// pos: position id per token, [batch, seqLen]
func ApplyRoPECached(x []float32, batch, nHeads, seqLen, headDim int, pos []int, cache *RoPECache) {
	if len(pos) != batch*seqLen {
		panic("ApplyRoPECached: pos length must equal batch*seqLen")
	}
	if cache == nil || cache.rotDim > headDim {
		panic("ApplyRoPECached: invalid cache")
	}
	if len(x) < batch*nHeads*seqLen*headDim {
		panic("ApplyRoPECached: buffer size mismatch")
	}

	maxPos := 0
	for _, p := range pos {
		if p < 0 {
			panic("ApplyRoPECached: negative position")
		}
		maxPos = max(maxPos, p+1)
	}
	cache.ensure(maxPos)

	cache.mu.RLock()
	defer cache.mu.RUnlock()

	rotDim := cache.rotDim
	halfDim := rotDim / 2

	for b := 0; b < batch; b++ {
		for h := 0; h < nHeads; h++ {
			for s := 0; s < seqLen; s++ {
				p := pos[b*seqLen+s]
				cosPtr := cache.cosCache[p*rotDim : (p+1)*rotDim]
				sinPtr := cache.sinCache[p*rotDim : (p+1)*rotDim]

				offset := ((b*nHeads+h)*seqLen + s) * headDim
				for i := 0; i < halfDim; i++ {
					idx0 := offset + i
					idx1 := offset + i + halfDim

					v0 := x[idx0]
					v1 := x[idx1]

					// x*cos + rotate_half(x)*sin with rotate_half = [-x2, x1]
					x[idx0] = v0*cosPtr[i] - v1*sinPtr[i]
					x[idx1] = v1*cosPtr[i+halfDim] + v0*sinPtr[i+halfDim]
				}
			}
		}
	}
}
