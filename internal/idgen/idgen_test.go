package idgen

import (
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idPattern = regexp.MustCompile(`^KRS-[A-Z0-9]{6}$`)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy gone") }

func TestGenerate_Format(t *testing.T) {
	g := NewRandom(DefaultLength)
	id, err := g.Generate("KRS")
	require.NoError(t, err)
	assert.Regexp(t, idPattern, id)
}

func TestGenerate_NoDuplicatesInBatch(t *testing.T) {
	g := NewRandom(DefaultLength)
	seen := make(map[string]bool, 5000)
	for i := 0; i < 5000; i++ {
		id, err := g.Generate("KRS")
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate identifier %s", id)
		seen[id] = true
	}
}

func TestGenerate_ConcurrentCallersNeverCollide(t *testing.T) {
	g := NewRandom(DefaultLength)
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				id, err := g.Generate("KRS")
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate identifier %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 2000)
}

func TestGenerate_SkipsReserved(t *testing.T) {
	g := NewRandom(DefaultLength)
	g.src = zeroReader{}

	id, err := g.Generate("KRS")
	require.NoError(t, err)
	assert.Equal(t, "KRS-AAAAAA", id)

	// the only value this source can produce is now taken
	_, err = g.Generate("KRS")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReserve_BlocksExistingIdentifiers(t *testing.T) {
	g := NewRandom(DefaultLength)
	g.src = zeroReader{}
	g.Reserve("KRS-AAAAAA")

	_, err := g.Generate("KRS")
	assert.ErrorIs(t, err, ErrExhausted)

	// a different prefix is a different identifier
	id, err := g.Generate("KRE")
	require.NoError(t, err)
	assert.Equal(t, "KRE-AAAAAA", id)
}

func TestGenerate_RandomSourceFailure(t *testing.T) {
	g := NewRandom(4)
	g.src = failingReader{}
	_, err := g.Generate("KRS")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy gone")
}
