package kv

import (
	"errors"
	"fmt"

	xx "github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Record 是后端中持久化的最小单元，Key 同时是主键。
type Record struct {
	Key     string `cbor:"1,keyasint"`
	Index   int    `cbor:"2,keyasint"`
	Total   int    `cbor:"3,keyasint"`
	Size    int    `cbor:"4,keyasint"`           // 原始 payload 长度
	Sum     uint64 `cbor:"5,keyasint"`           // xxhash64(原始 payload)
	Codec   Codec  `cbor:"6,keyasint,omitempty"` // payload 的压缩方式
	Payload []byte `cbor:"7,keyasint"`
}

// Codec 标识 payload 的压缩算法，写入记录中，取值不可更改。
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	errIncompressible = errors.New("incompressible")
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("kv: cbor encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("kv: cbor decoder: " + err.Error())
	}
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("kv: zstd encoder: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("kv: zstd decoder: " + err.Error())
	}
}

// EncodeRecord 序列化 rec，rec 本身不被修改。
// 压缩后不变小的 payload 按原样存储。
func EncodeRecord(rec *Record, codec Codec) ([]byte, error) {
	w := *rec
	w.Size = len(rec.Payload)
	w.Sum = xx.Sum64(rec.Payload)
	w.Codec = CodecNone
	if codec != CodecNone && len(rec.Payload) > 0 {
		c, err := compress(rec.Payload, codec)
		switch {
		case err == nil:
			w.Payload, w.Codec = c, codec
		case !errors.Is(err, errIncompressible):
			return nil, err
		}
	}
	return encMode.Marshal(&w)
}

func DecodeRecord(b []byte) (*Record, error) {
	var rec Record
	if err := decMode.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	p, err := decompress(rec.Payload, rec.Codec, rec.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, rec.Key, err)
	}
	if xx.Sum64(p) != rec.Sum {
		return nil, fmt.Errorf("%w: %s: checksum mismatch", ErrCorruptRecord, rec.Key)
	}
	rec.Payload, rec.Codec = p, CodecNone
	return &rec, nil
}

func compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CodecZstd:
		c := zstdEncoder.EncodeAll(data, nil)
		if len(c) >= len(data) {
			return nil, errIncompressible
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

func decompress(p []byte, codec Codec, size int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(p) != size {
			return nil, fmt.Errorf("size %d, want %d", len(p), size)
		}
		return p, nil
	case CodecLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(p, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", n, size)
		}
		return dst, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(p, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, want %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}
