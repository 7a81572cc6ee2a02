package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/pkg/plugin"
)

func TestBuiltinRegistrations(t *testing.T) {
	assert.Equal(t, []string{"afpacket", "pcapfile"}, plugin.ListCapturers())
	assert.Equal(t, []string{"sip"}, plugin.ListParsers())
	assert.Equal(t, []string{"console", "kafka", "websocket"}, plugin.ListReporters())

	for _, name := range plugin.ListCapturers() {
		f, err := plugin.GetCapturerFactory(name)
		require.NoError(t, err)
		assert.Equal(t, name, f().Name())
	}
	for _, name := range plugin.ListParsers() {
		f, err := plugin.GetParserFactory(name)
		require.NoError(t, err)
		assert.Equal(t, name, f().Name())
	}
	for _, name := range plugin.ListReporters() {
		f, err := plugin.GetReporterFactory(name)
		require.NoError(t, err)
		assert.Equal(t, name, f().Name())
	}
}

func TestBuiltinKindsDoNotLeak(t *testing.T) {
	_, err := plugin.GetCapturerFactory("sip")
	assert.ErrorIs(t, err, core.ErrPluginNotFound)
	_, err = plugin.GetParserFactory("pcapfile")
	assert.ErrorIs(t, err, core.ErrPluginNotFound)
	_, err = plugin.GetReporterFactory("afpacket")
	assert.ErrorIs(t, err, core.ErrPluginNotFound)
}
