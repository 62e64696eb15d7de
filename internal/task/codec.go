package task

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Payload encoding: [1-byte format][8-byte xxhash64 of the JSON][body].
// Bodies of compressThreshold bytes or more are zstd-compressed.
const (
	formatJSON     byte = 1
	formatJSONZstd byte = 2

	payloadHeaderSize = 9
	compressThreshold = 4 * 1024
	maxPayloadSize    = 64 * 1024 * 1024
)

// ErrCorruptPayload is returned when a stored payload fails its checksum or
// cannot be framed.
var ErrCorruptPayload = errors.New("corrupt task payload")

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic(fmt.Sprintf("task: zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(maxPayloadSize),
	)
	if err != nil {
		panic(fmt.Sprintf("task: zstd decoder: %v", err))
	}
}

// Encode serializes a step state for storage.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	format := formatJSON
	body := raw
	if len(raw) >= compressThreshold {
		format = formatJSONZstd
		body = encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	}
	out := make([]byte, payloadHeaderSize+len(body))
	out[0] = format
	binary.BigEndian.PutUint64(out[1:payloadHeaderSize], xxhash.Sum64(raw))
	copy(out[payloadHeaderSize:], body)
	return out, nil
}

// Decode reverses Encode into v.
func Decode(data []byte, v any) error {
	raw, err := unframe(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// DecodeJSON returns the JSON text of a stored payload, for display.
func DecodeJSON(data []byte) (json.RawMessage, error) {
	return unframe(data)
}

func unframe(data []byte) ([]byte, error) {
	if len(data) < payloadHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptPayload, len(data))
	}
	sum := binary.BigEndian.Uint64(data[1:payloadHeaderSize])
	body := data[payloadHeaderSize:]

	var raw []byte
	switch data[0] {
	case formatJSON:
		raw = body
	case formatJSONZstd:
		var err error
		raw, err = decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptPayload, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrCorruptPayload, data[0])
	}
	if xxhash.Sum64(raw) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptPayload)
	}
	return raw, nil
}
