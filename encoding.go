package docstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeMsgpack serializes persisted payloads (field maps, partition
// documents) with pooled encoders and deterministic map key order.
func encodeMsgpack(v any) []byte {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("docstore: failed to encode %T using msgpack: %w", v, err))
	}
	return buf.Bytes()
}

func decodeMsgpack(raw []byte, out any) error {
	var r bytes.Reader
	r.Reset(raw)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(out)
	msgpack.PutDecoder(dec)
	if err != nil {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "docstore: corrupted stored value",
			slog.Any("err", err), hexAttr("data", raw))
		return dataErrf(raw, err, "failed to decode msgpack into %T", out)
	}
	return nil
}

func decodeFields(raw []byte) (map[string]any, error) {
	var fields map[string]any
	if err := decodeMsgpack(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
