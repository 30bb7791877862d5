package docstore

import (
	"encoding/hex"
	"log/slog"
)

func hexstr(b []byte) string {
	switch {
	case b == nil:
		return "<nil>"
	case len(b) == 0:
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}
