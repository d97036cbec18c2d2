package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://etl:s3cr:et@db:5432/market?sslmode=disable": "postgres://etl:***@db:5432/market?sslmode=disable",
		"host=db user=etl password=hunter2 dbname=market":       "host=db user=etl password=*** dbname=market",
		"postgres://db/market?user=etl&password=x&sslmode=off":  "postgres://db/market?user=etl&password=***&sslmode=off",
		"postgres://db:5432/market":                             "postgres://db:5432/market",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskDSN(in), in)
	}
}
