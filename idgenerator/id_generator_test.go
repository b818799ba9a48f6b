package idgenerator

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, gen Generator, n int) []string {
	t.Helper()
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			ids[idx] = gen.Next()
		}(i)
	}
	wg.Wait()
	return ids
}

func TestUUIDGenerator(t *testing.T) {
	gen := NewUUIDGenerator()

	t.Run("returns parseable version 4 uuids", func(t *testing.T) {
		id := gen.Next()
		parsed, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), parsed.Version())
	})

	t.Run("concurrent calls produce unique ids", func(t *testing.T) {
		ids := collect(t, gen, 500)
		seen := make(map[string]bool)
		for _, id := range ids {
			assert.NotEmpty(t, id)
			assert.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	})
}

func TestSequenceGenerator(t *testing.T) {
	t.Run("first id is start plus one", func(t *testing.T) {
		gen := NewSequenceGenerator("c", 0)
		assert.Equal(t, "c1", gen.Next())
		assert.Equal(t, "c2", gen.Next())
	})

	t.Run("custom start", func(t *testing.T) {
		gen := NewSequenceGenerator("", 100)
		assert.Equal(t, "101", gen.Next())
	})

	t.Run("concurrent calls produce unique ids", func(t *testing.T) {
		gen := NewSequenceGenerator("s-", 0)
		ids := collect(t, gen, 200)
		seen := make(map[string]bool)
		for _, id := range ids {
			assert.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
		assert.Len(t, seen, 200)
	})

	t.Run("generators are independent", func(t *testing.T) {
		a := NewSequenceGenerator("x", 0)
		b := NewSequenceGenerator("x", 0)
		assert.Equal(t, a.Next(), b.Next())
	})
}

func TestGeneratorInterface(t *testing.T) {
	var _ Generator = NewUUIDGenerator()
	var _ Generator = (*SequenceGenerator)(nil)
}
