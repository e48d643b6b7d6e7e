package transport

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"nhooyr.io/websocket"
)

const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"

	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Codec turns frames into websocket messages. JSON without compression is
// sent as text; everything else is binary.
type Codec struct {
	encoding    string
	compression string
	enc         *zstd.Encoder
	dec         *zstd.Decoder
}

func NewCodec(encoding, compression string) (*Codec, error) {
	c := &Codec{encoding: encoding, compression: compression}
	switch encoding {
	case "", EncodingJSON:
		c.encoding = EncodingJSON
	case EncodingCBOR:
	default:
		return nil, fmt.Errorf("unknown gateway encoding %q", encoding)
	}
	switch compression {
	case "", CompressionNone:
		c.compression = CompressionNone
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		c.enc, c.dec = enc, dec
	default:
		return nil, fmt.Errorf("unknown gateway compression %q", compression)
	}
	return c, nil
}

// Query returns the URL query values announcing the codec to the server.
func (c *Codec) Query() (encoding, compression string) {
	return c.encoding, c.compression
}

func (c *Codec) Encode(f Frame) (websocket.MessageType, []byte, error) {
	var (
		data []byte
		err  error
	)
	if c.encoding == EncodingCBOR {
		data, err = cbor.Marshal(f)
	} else {
		data, err = json.Marshal(f)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("encode frame: %w", err)
	}
	if c.enc != nil {
		return websocket.MessageBinary, c.enc.EncodeAll(data, nil), nil
	}
	if c.encoding == EncodingCBOR {
		return websocket.MessageBinary, data, nil
	}
	return websocket.MessageText, data, nil
}

func (c *Codec) Decode(data []byte) (Frame, error) {
	var f Frame
	if c.dec != nil {
		raw, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return f, fmt.Errorf("decompress frame: %w", err)
		}
		data = raw
	}
	var err error
	if c.encoding == EncodingCBOR {
		err = cbor.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
