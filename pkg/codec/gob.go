package codec

import (
	"bytes"
	"encoding/gob"
)

type gobCodec struct{}

// Gob returns a codec using encoding/gob. It is Go-to-Go only: both
// producer and worker must agree on the concrete payload type.
func Gob() Codec { return gobCodec{} }

func (gobCodec) Name() string        { return "gob" }
func (gobCodec) ContentType() string { return "application/x-gob" }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
