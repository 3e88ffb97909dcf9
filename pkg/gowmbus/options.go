package gowmbus

import (
	"gitlab.com/d21d3q/wmbusd/internal/options"
	"gitlab.com/d21d3q/wmbusd/internal/protocol"
)

// AnalyzeOptions configures in-process decoding. Telegrams given to
// AnalyzeHex may carry the whitespace, | and _ separators of pasted log
// lines; the daemon protocol accepts hex digits only.
type AnalyzeOptions struct {
	KeyHex string
	Driver string
	Format string
}

func (opts AnalyzeOptions) request(hex string) protocol.Request {
	hex = options.StripSeparators(hex)
	return protocol.Request{
		Kind:     protocol.KindDecode,
		Telegram: &hex,
		Key:      opts.KeyHex,
		Driver:   opts.Driver,
		Format:   opts.Format,
	}
}
