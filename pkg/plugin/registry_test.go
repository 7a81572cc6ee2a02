package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracevia/internal/core"
)

func resetRegistries(t *testing.T) {
	t.Helper()
	capturerReg.Reset()
	parserReg.Reset()
	reporterReg.Reset()
	t.Cleanup(func() {
		capturerReg.Reset()
		parserReg.Reset()
		reporterReg.Reset()
	})
}

func capturerNamed(name string) Factory[Capturer] {
	return func() Capturer { return &mockCapturer{mockPlugin: mockPlugin{name: name}} }
}

func reporterNamed(name string) Factory[Reporter] {
	return func() Reporter { return &mockReporter{mockPlugin: mockPlugin{name: name}} }
}

func TestRegistry_KindsAreSeparate(t *testing.T) {
	resetRegistries(t)

	RegisterCapturer("pcapfile", capturerNamed("pcapfile"))
	RegisterCapturer("afpacket", capturerNamed("afpacket"))
	RegisterParser("sip", func() Parser { return &mockParser{mockPlugin: mockPlugin{name: "sip"}} })
	for _, n := range []string{"websocket", "kafka", "console"} {
		RegisterReporter(n, reporterNamed(n))
	}

	assert.Equal(t, []string{"afpacket", "pcapfile"}, ListCapturers())
	assert.Equal(t, []string{"sip"}, ListParsers())
	assert.Equal(t, []string{"console", "kafka", "websocket"}, ListReporters())

	f, err := GetParserFactory("sip")
	require.NoError(t, err)
	assert.Equal(t, "sip", f().Name())

	_, err = GetCapturerFactory("sip")
	assert.ErrorIs(t, err, core.ErrPluginNotFound)
	_, err = GetReporterFactory("pcapfile")
	assert.ErrorIs(t, err, core.ErrPluginNotFound)
	_, err = GetParserFactory("console")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `parser "console"`)
}

func TestRegistry_RejectsBadRegistrations(t *testing.T) {
	resetRegistries(t)
	RegisterReporter("console", reporterNamed("console"))

	cases := []struct {
		name string
		reg  func()
	}{
		{"empty name", func() { RegisterCapturer("", capturerNamed("x")) }},
		{"nil factory", func() { RegisterParser("sip", nil) }},
		{"duplicate", func() { RegisterReporter("console", reporterNamed("console")) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Panics(t, tc.reg)
		})
	}

	assert.Empty(t, ListCapturers())
	assert.Empty(t, ListParsers())
	assert.Equal(t, []string{"console"}, ListReporters())
}
