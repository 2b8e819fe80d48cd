package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "json")

	l.Info().Msg("hidden")
	l.Warn().Str("scheme", "OAEP").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"scheme":"OAEP"`)
	assert.Contains(t, out, `"level":"warn"`)
}

func TestNew_DefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "bogus", "json")

	l.Debug().Msg("debug")
	l.Info().Msg("info")

	assert.NotContains(t, buf.String(), `"message":"debug"`)
	assert.Contains(t, buf.String(), `"message":"info"`)
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "console")
	l.Info().Msg("hello")

	assert.False(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), "hello")
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(&buf, "info", "json"), "lease")
	l.Info().Msg("x")

	assert.Contains(t, buf.String(), `"component":"lease"`)
}
