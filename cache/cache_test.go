package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeKey(t *testing.T) {
	assert.Equal(t, MakeKey([]byte("ab"), []byte("c")), MakeKey([]byte("ab"), []byte("c")))
	assert.NotEqual(t, MakeKey([]byte("ab"), []byte("c")), MakeKey([]byte("a"), []byte("bc")))
	assert.Len(t, MakeKey(), 64)
}

func TestComputeAtMostOnce(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	var calls atomic.Int32
	var wg sync.WaitGroup
	key := MakeKey([]byte("program"))
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, _, err := c.GetOrCompute(key, func() ([]byte, error) {
				calls.Add(1)
				time.Sleep(20 * time.Millisecond)
				return []byte("compiled"), nil
			})
			assert.NoError(t, err)
			assert.Equal(t, []byte("compiled"), value)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())

	value, hit, err := c.GetOrCompute(key, func() ([]byte, error) { return nil, errors.New("must not be called") })
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, []byte("compiled"), value)
}

func TestComputeErrorIsNotCached(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	_, _, err = c.GetOrCompute("k", func() ([]byte, error) { return nil, errors.New("compile failed") })
	require.ErrorContains(t, err, "compile failed")
	require.Equal(t, 0, c.Len())
	value, hit, err := c.GetOrCompute("k", func() ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, []byte("ok"), value)
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, c.Put("entry", []byte{1, 2, 3}))

	// New cache instance over the same directory, e.g. a new process.
	c2, err := New(dir)
	require.NoError(t, err)
	value, found := c2.Get("entry")
	require.True(t, found)
	require.Equal(t, []byte{1, 2, 3}, value)
	_, found = c2.Get("missing")
	require.False(t, found)
}
