// SPDX-License-Identifier: MPL-2.0

package history

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstd encoders and decoders are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("history: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("history: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns nil for empty output so that the column stays NULL.
func compress(s string) []byte {
	if s == "" {
		return nil
	}
	return encoder.EncodeAll([]byte(s), nil)
}

func decompress(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	out, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return "", fmt.Errorf("zstd decompress: %w", err)
	}
	return string(out), nil
}
