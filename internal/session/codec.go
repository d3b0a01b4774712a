package session

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Checkpoint frame: magic | version | blake3(payload) | zstd(payload),
// where payload is the deterministic CBOR encoding of a checkpoint record.
const (
	frameMagic   = "ALCP"
	frameVersion = 1
	digestSize   = 32
	headerSize   = len(frameMagic) + 1 + digestSize
)

type checkpointRecord struct {
	Label     string    `cbor:"label"`
	CreatedAt time.Time `cbor:"created_at"`
	Session   *Session  `cbor:"session"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
	if zenc, err = zstd.NewWriter(nil); err != nil {
		panic(err)
	}
	if zdec, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

// encodeSession returns the deterministic encoding of s. Equal sessions
// always encode to equal bytes.
func encodeSession(s *Session) ([]byte, error) {
	return encMode.Marshal(s)
}

func encodeCheckpoint(rec checkpointRecord) ([]byte, string, error) {
	payload, err := encMode.Marshal(rec)
	if err != nil {
		return nil, "", fmt.Errorf("encode checkpoint: %w", err)
	}
	sum := blake3.Sum256(payload)

	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload)/2)
	buf.WriteString(frameMagic)
	buf.WriteByte(frameVersion)
	buf.Write(sum[:])
	buf.Write(zenc.EncodeAll(payload, nil))
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

// decodeCheckpoint verifies and decodes a frame. Every failure wraps ErrCorruptState.
func decodeCheckpoint(data []byte) (checkpointRecord, string, error) {
	var rec checkpointRecord
	if len(data) < headerSize || string(data[:len(frameMagic)]) != frameMagic {
		return rec, "", fmt.Errorf("%w: not a checkpoint frame", ErrCorruptState)
	}
	if v := data[len(frameMagic)]; v != frameVersion {
		return rec, "", fmt.Errorf("%w: unsupported checkpoint version %d", ErrCorruptState, v)
	}
	want := data[len(frameMagic)+1 : headerSize]

	payload, err := zdec.DecodeAll(data[headerSize:], nil)
	if err != nil {
		return rec, "", fmt.Errorf("%w: decompress checkpoint: %v", ErrCorruptState, err)
	}
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], want) {
		return rec, "", fmt.Errorf("%w: checkpoint digest mismatch", ErrCorruptState)
	}
	if err := decMode.Unmarshal(payload, &rec); err != nil {
		return rec, "", fmt.Errorf("%w: decode checkpoint: %v", ErrCorruptState, err)
	}
	if rec.Session == nil {
		return rec, "", fmt.Errorf("%w: checkpoint without session", ErrCorruptState)
	}
	if err := rec.Session.Validate(); err != nil {
		return rec, "", err
	}
	return rec, hex.EncodeToString(sum[:]), nil
}
