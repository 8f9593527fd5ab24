package ws

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Inflate decodes a raw DEFLATE frame as sent by OKX.
func Inflate(frame []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(frame))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate frame: %w", err)
	}
	return out, nil
}

// Gunzip decodes a gzip frame as sent by Huobi.
func Gunzip(frame []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("gunzip frame: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gunzip frame: %w", err)
	}
	return out, nil
}

// LooksLikeText reports whether frame starts like a JSON document or a
// plain text keepalive, so compressed feeds can pass plain frames through.
func LooksLikeText(frame []byte) bool {
	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	if len(trimmed) == 0 {
		return true
	}
	switch trimmed[0] {
	case '{', '[', '"':
		return true
	}
	for _, b := range trimmed {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}
