package stream

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// compressionThreshold is the minimum payload size worth compressing.
const compressionThreshold = 64

// maybeCompress compresses data when it pays off. Returns the payload to
// send and the original size to record (zero when uncompressed).
func maybeCompress(data []byte) ([]byte, uint32) {
	if len(data) < compressionThreshold {
		return data, 0
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return data, 0
	}
	if err := w.Close(); err != nil {
		return data, 0
	}
	if buf.Len() >= len(data) {
		return data, 0
	}
	return buf.Bytes(), uint32(len(data))
}

// decompress inflates a payload whose envelope recorded an original size.
func decompress(data []byte, originalSize uint32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotParse, err)
	}
	defer r.Close()

	out := make([]byte, 0, originalSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotParse, err)
	}
	if uint32(buf.Len()) != originalSize {
		return nil, fmt.Errorf("%w: decompressed size %d, recorded %d", ErrCannotParse, buf.Len(), originalSize)
	}
	return buf.Bytes(), nil
}
