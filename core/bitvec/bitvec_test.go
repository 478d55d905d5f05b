package bitvec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitvec_SetTest(t *testing.T) {
	tests := []struct {
		name string
		size uint32
		set  []uint32
	}{
		{"small", 100, []uint32{1, 2, 50, 100}},
		{"block boundary", 10000, []uint32{4096, 4097, 8192, 8193}},
		{"large sparse", 4000000000, []uint32{1, 123456789, 4000000000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(tt.size)
			for _, i := range tt.set {
				v.Set(i)
			}
			for _, i := range tt.set {
				assert.True(t, v.Test(i), "bit %d", i)
			}
			assert.Equal(t, len(tt.set), v.Count())
			assert.False(t, v.Test(3))
		})
	}
}

func TestBitvec_OutOfRange(t *testing.T) {
	v := New(10)
	v.Set(0)
	v.Set(11)
	assert.Equal(t, 0, v.Count())
	assert.False(t, v.Test(0))
	assert.False(t, v.Test(11))

	var nilVec *Bitvec
	assert.False(t, nilVec.Test(1))
	assert.Equal(t, uint32(0), nilVec.Size())
	nilVec.Set(1)
}

func TestBitvec_ClearAndDestroy(t *testing.T) {
	v := New(5000)
	v.Set(7)
	v.Set(4500)
	v.Clear(7)
	assert.False(t, v.Test(7))
	assert.True(t, v.Test(4500))

	v.Destroy()
	assert.False(t, v.Test(4500))
	assert.Equal(t, 0, v.Count())
}

// Mirrors a shadow map across random operations.
func TestBitvec_Random(t *testing.T) {
	const size = 20000
	rng := rand.New(rand.NewSource(1))
	v := New(size)
	shadow := make(map[uint32]bool)
	for n := 0; n < 5000; n++ {
		i := uint32(rng.Intn(size)) + 1
		if rng.Intn(3) == 0 {
			v.Clear(i)
			delete(shadow, i)
		} else {
			v.Set(i)
			shadow[i] = true
		}
	}
	for i := uint32(1); i <= size; i++ {
		if v.Test(i) != shadow[i] {
			t.Fatalf("bit %d = %v, want %v", i, v.Test(i), shadow[i])
		}
	}
	assert.Equal(t, len(shadow), v.Count())
}
