package paxos

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names a payload codec. Every compressed payload
// starts with a one byte magic naming its codec, so replicas
// configured differently still read each other's slots.
type Compression string

const (
	CompressNone Compression = "none"
	CompressS2   Compression = "s2"
	CompressZstd Compression = "zstd"
	CompressLz4  Compression = "lz4"
)

const (
	magicNone byte = 0
	magicS2   byte = 1
	magicZstd byte = 2
	magicLz4  byte = 3
)

func (c Compression) magic() (byte, error) {
	switch c {
	case "", CompressNone:
		return magicNone, nil
	case CompressS2:
		return magicS2, nil
	case CompressZstd:
		return magicZstd, nil
	case CompressLz4:
		return magicLz4, nil
	}
	return 0, fmt.Errorf("unknown compression '%v'; want one of none, s2, zstd, lz4", string(c))
}

// maxPayloadBytes caps the decoded size of one payload, on
// both encode and decode.
var maxPayloadBytes = 64 << 20

func errPayloadTooBig(codec string, n int) error {
	return fmt.Errorf("%w: %v payload of %v bytes exceeds the %v byte limit", ErrDecode, codec, n, maxPayloadBytes)
}

// zstdCompressor keeps one encoder and one decoder for the
// process. EncodeAll and DecodeAll are safe for concurrent
// use when they are not handed a shared working buffer.
type zstdCompressor struct {
	compressor *zstd.Encoder
	decomp     *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	compressor, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	decomp, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxPayloadBytes)))
	if err != nil {
		compressor.Close()
		return nil, err
	}
	return &zstdCompressor{compressor: compressor, decomp: decomp}, nil
}

func (c *zstdCompressor) Compress(src []byte) []byte {
	return c.compressor.EncodeAll(src, nil)
}

func (c *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	return c.decomp.DecodeAll(src, nil)
}

var sharedZstd struct {
	once sync.Once
	z    *zstdCompressor
	err  error
}

func getZstd() (*zstdCompressor, error) {
	sharedZstd.once.Do(func() {
		sharedZstd.z, sharedZstd.err = newZstdCompressor()
	})
	return sharedZstd.z, sharedZstd.err
}

// payloadCodec frames log payloads with the configured codec.
type payloadCodec struct {
	comp  Compression
	magic byte
}

func newPayloadCodec(comp Compression) (*payloadCodec, error) {
	m, err := comp.magic()
	if err != nil {
		return nil, err
	}
	if comp == "" {
		comp = CompressNone
	}
	return &payloadCodec{comp: comp, magic: m}, nil
}

func (c *payloadCodec) encode(raw []byte) ([]byte, error) {
	if len(raw) > maxPayloadBytes {
		return nil, errPayloadTooBig(string(c.comp), len(raw))
	}
	out := []byte{c.magic}
	switch c.magic {
	case magicNone:
		return append(out, raw...), nil
	case magicS2:
		return append(out, s2.Encode(nil, raw)...), nil
	case magicZstd:
		z, err := getZstd()
		if err != nil {
			return nil, err
		}
		return append(out, z.Compress(raw)...), nil
	case magicLz4:
		buf := bytes.NewBuffer(out)
		w := lz4.NewWriter(buf)
		err := w.Apply(lz4.BlockChecksumOption(true), lz4.CompressionLevelOption(lz4.Fast))
		if err != nil {
			return nil, err
		}
		if _, err = w.Write(raw); err != nil {
			return nil, err
		}
		if err = w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	panicf("payloadCodec: bad magic %v", c.magic)
	return nil, nil
}

// decodePayload undoes encode for any codec. It refuses to
// produce more than maxPayloadBytes.
func decodePayload(by []byte) ([]byte, error) {
	if len(by) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	body := by[1:]
	switch by[0] {
	case magicNone:
		if len(body) > maxPayloadBytes {
			return nil, errPayloadTooBig("uncompressed", len(body))
		}
		return append([]byte(nil), body...), nil
	case magicS2:
		n, err := s2.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("%w: s2: %v", ErrDecode, err)
		}
		if n > maxPayloadBytes {
			return nil, errPayloadTooBig("s2", n)
		}
		raw, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: s2: %v", ErrDecode, err)
		}
		return raw, nil
	case magicZstd:
		z, err := getZstd()
		if err != nil {
			return nil, err
		}
		raw, err := z.Decompress(body)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrDecode, err)
		}
		if len(raw) > maxPayloadBytes {
			return nil, errPayloadTooBig("zstd", len(raw))
		}
		return raw, nil
	case magicLz4:
		lim := io.LimitReader(lz4.NewReader(bytes.NewReader(body)), int64(maxPayloadBytes)+1)
		raw, err := io.ReadAll(lim)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrDecode, err)
		}
		if len(raw) > maxPayloadBytes {
			return nil, errPayloadTooBig("lz4", len(raw))
		}
		return raw, nil
	}
	return nil, fmt.Errorf("%w: unknown payload magic %v", ErrDecode, by[0])
}
