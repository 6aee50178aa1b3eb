package features

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"math/rand"
	"sort"
)

// LSHParams configures the locality-sensitive hash index for binary
// descriptors.
type LSHParams struct {
	TableNumber     int   `yaml:"table_number"`      // independent hash tables
	KeySize         int   `yaml:"key_size"`          // sampled bits per key
	MultiProbeLevel int   `yaml:"multi_probe_level"` // neighbouring buckets probed, by bit flips
	Seed            int64 `yaml:"seed"`
}

// DefaultLSHParams returns 6 tables of 12-bit keys with one level of
// multi-probing.
func DefaultLSHParams() LSHParams {
	return LSHParams{
		TableNumber:     6,
		KeySize:         12,
		MultiProbeLevel: 1,
		Seed:            1,
	}
}

// Neighbor is a search hit: the index of a stored descriptor and its
// Hamming distance to the query.
type Neighbor struct {
	Index    int
	Distance int
}

type lshTable struct {
	bits    []int // descriptor bit positions forming the key
	buckets map[uint32][]int32
}

// LSHIndex answers approximate k-nearest-neighbour queries over binary
// descriptors under Hamming distance. It is immutable after construction
// and safe for concurrent queries.
type LSHIndex struct {
	params LSHParams
	data   [][]byte
	tables []lshTable
	probes []uint32 // xor masks visited per table, starting with 0
}

// NewLSHIndex builds an index over descriptors, which must all share the
// same non-zero length.
func NewLSHIndex(descriptors [][]byte, p LSHParams) (*LSHIndex, error) {
	if len(descriptors) == 0 {
		return nil, errors.New("lsh: no descriptors to index")
	}
	width := len(descriptors[0])
	if width == 0 {
		return nil, errors.New("lsh: zero-length descriptor")
	}
	for i, d := range descriptors {
		if len(d) != width {
			return nil, fmt.Errorf("lsh: descriptor %d has %d bytes, want %d", i, len(d), width)
		}
	}

	nbits := width * 8
	if p.TableNumber < 1 {
		p.TableNumber = 1
	}
	if p.KeySize < 1 || p.KeySize > 32 {
		return nil, fmt.Errorf("lsh: key size %d out of range [1, 32]", p.KeySize)
	}
	if p.KeySize > nbits {
		p.KeySize = nbits
	}
	if p.MultiProbeLevel < 0 {
		p.MultiProbeLevel = 0
	}

	rng := rand.New(rand.NewSource(p.Seed))
	ix := &LSHIndex{
		params: p,
		data:   descriptors,
		tables: make([]lshTable, p.TableNumber),
		probes: probeMasks(p.KeySize, p.MultiProbeLevel),
	}
	for t := range ix.tables {
		perm := rng.Perm(nbits)
		tb := lshTable{
			bits:    perm[:p.KeySize],
			buckets: make(map[uint32][]int32),
		}
		for i, d := range descriptors {
			k := tb.key(d)
			tb.buckets[k] = append(tb.buckets[k], int32(i))
		}
		ix.tables[t] = tb
	}
	return ix, nil
}

// Len returns the number of indexed descriptors.
func (ix *LSHIndex) Len() int { return len(ix.data) }

func (tb *lshTable) key(d []byte) uint32 {
	var k uint32
	for i, b := range tb.bits {
		if d[b>>3]&(1<<(uint(b)&7)) != 0 {
			k |= 1 << uint(i)
		}
	}
	return k
}

// probeMasks lists every key xor mask with at most level bits set, in
// increasing popcount order.
func probeMasks(keySize, level int) []uint32 {
	masks := []uint32{0}
	frontier := []uint32{0}
	for l := 1; l <= level && l <= keySize; l++ {
		var next []uint32
		for _, m := range frontier {
			// Extend only above the highest set bit so each mask is produced once.
			start := 0
			if m != 0 {
				start = 32 - bits.LeadingZeros32(m)
			}
			for b := start; b < keySize; b++ {
				next = append(next, m|1<<uint(b))
			}
		}
		masks = append(masks, next...)
		frontier = next
	}
	return masks
}

// KNN returns up to k stored descriptors closest to query among the
// candidates sharing a (probed) bucket in any table, nearest first. Ties
// are broken by index.
func (ix *LSHIndex) KNN(query []byte, k int) []Neighbor {
	if k <= 0 || len(query) != len(ix.data[0]) {
		return nil
	}

	seen := make(map[int32]struct{})
	var hits []Neighbor
	for ti := range ix.tables {
		tb := &ix.tables[ti]
		base := tb.key(query)
		for _, m := range ix.probes {
			for _, idx := range tb.buckets[base^m] {
				if _, ok := seen[idx]; ok {
					continue
				}
				seen[idx] = struct{}{}
				hits = append(hits, Neighbor{
					Index:    int(idx),
					Distance: Hamming(query, ix.data[idx]),
				})
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Index < hits[j].Index
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Hamming returns the number of differing bits between two equal-length
// byte strings.
func Hamming(a, b []byte) int {
	n := 0
	i := 0
	for ; i+8 <= len(a); i += 8 {
		n += bits.OnesCount64(binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < len(a); i++ {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n
}
