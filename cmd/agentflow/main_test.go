package main

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestResolveMaxIterations(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	assert.Equal(t, 0, resolveMaxIterations(false, -5, logger))
	assert.Empty(t, buf.String())

	assert.Equal(t, 4, resolveMaxIterations(true, 4, logger))
	assert.Empty(t, buf.String())

	assert.Equal(t, 1, resolveMaxIterations(true, -5, logger))
	assert.Contains(t, buf.String(), `"clamped":1`)

	buf.Reset()
	assert.Equal(t, 50, resolveMaxIterations(true, 99, logger))
	assert.Contains(t, buf.String(), `"clamped":50`)
}
