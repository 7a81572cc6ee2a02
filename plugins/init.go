// Package plugins registers all built-in plugins.
package plugins

import (
	"firestige.xyz/tracevia/pkg/plugin"
	"firestige.xyz/tracevia/plugins/capture/afpacket"
	"firestige.xyz/tracevia/plugins/capture/pcapfile"
	"firestige.xyz/tracevia/plugins/parser/sip"
	"firestige.xyz/tracevia/plugins/reporter/console"
	"firestige.xyz/tracevia/plugins/reporter/kafka"
	"firestige.xyz/tracevia/plugins/reporter/websocket"
)

func init() {
	// Capture sources
	plugin.RegisterCapturer("afpacket", afpacket.NewAFPacketCapturer)
	plugin.RegisterCapturer("pcapfile", pcapfile.NewCapturer)

	plugin.RegisterParser("sip", sip.NewSIPParser)

	// Frame sinks
	plugin.RegisterReporter("console", console.NewConsoleReporter)
	plugin.RegisterReporter("websocket", websocket.NewWebsocketReporter)
	plugin.RegisterReporter("kafka", kafka.NewKafkaReporter)
}
