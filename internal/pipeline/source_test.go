package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeSource{})

	src, err := r.Get(" krx ")
	require.NoError(t, err)
	assert.Equal(t, "KRX", src.Name())
	assert.Equal(t, []string{"KRX"}, r.Names())

	_, err = r.Get("nyse")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestParamsString(t *testing.T) {
	p := Params{
		"a": " x ",
		"b": []string{"KOSPI", "KONEX"},
		"c": []any{"KOSDAQ", 1},
		"d": true,
	}
	assert.Equal(t, "x", p.String("a"))
	assert.Equal(t, "KOSPI,KONEX", p.String("b"))
	assert.Equal(t, "KOSDAQ,1", p.String("c"))
	assert.Equal(t, "true", p.String("d"))
	assert.Empty(t, p.String("missing"))
}
