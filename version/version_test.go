package version

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFprintVersion(t *testing.T) {
	var buf bytes.Buffer
	FprintVersion(&buf)
	fields := strings.Fields(buf.String())
	if assert.Len(t, fields, 3) {
		assert.Equal(t, Package(), fields[1])
		assert.Equal(t, Version(), fields[2])
	}

	revision = "abc123"
	defer func() { revision = "" }()
	buf.Reset()
	FprintVersion(&buf)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(buf.String()), " abc123"))
}
