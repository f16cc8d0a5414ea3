// Copyright 2025 James Ross
package payloadcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	flagRaw  byte = 0x00
	flagZstd byte = 0x01
)

// Codec transparently compresses job payloads above a size threshold with a
// single flag byte marking which encoding follows. Below the threshold the
// payload is stored verbatim — compressing small JSON bodies usually costs
// more than it saves.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// New builds a Codec. thresholdBytes <= 0 disables compression entirely;
// every payload is then stored with the raw flag.
func New(thresholdBytes int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("payloadcodec: new encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("payloadcodec: new decoder: %w", err)
	}
	return &Codec{threshold: thresholdBytes, encoder: enc, decoder: dec}, nil
}

// Encode returns data prefixed with a flag byte identifying how Decode
// should interpret it.
func (c *Codec) Encode(data string) string {
	if c.threshold <= 0 || len(data) < c.threshold {
		return string(flagRaw) + data
	}
	compressed := c.encoder.EncodeAll([]byte(data), nil)
	return string(flagZstd) + string(compressed)
}

// Decode reverses Encode. An empty payload decodes to empty.
func (c *Codec) Decode(payload string) (string, error) {
	if payload == "" {
		return "", nil
	}
	flag, body := payload[0], payload[1:]
	switch flag {
	case flagRaw:
		return body, nil
	case flagZstd:
		out, err := c.decoder.DecodeAll([]byte(body), nil)
		if err != nil {
			return "", fmt.Errorf("payloadcodec: decompress: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("payloadcodec: unknown flag byte 0x%x", flag)
	}
}

// Close releases the encoder/decoder's background goroutines.
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
