package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type payload struct {
	X int    `json:"x"`
	Y string `json:"y"`
}

func TestDefaultRegistryCodecs(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"json", "cbor", "gob"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c, err := Default().Get(name)
			require.NoError(t, err)
			require.Equal(t, name, c.Name())
			require.NotEmpty(t, c.ContentType())

			in := payload{X: 42, Y: "hello"}
			data, err := c.Marshal(in)
			require.NoError(t, err)

			var out payload
			require.NoError(t, c.Unmarshal(data, &out))
			require.Equal(t, in, out)
		})
	}
}

func TestResolveEmptyNameIsJSON(t *testing.T) {
	t.Parallel()

	c, err := Resolve("")
	require.NoError(t, err)
	require.Equal(t, "json", c.Name())
}

func TestGetUnknownCodec(t *testing.T) {
	t.Parallel()

	_, err := Default().Get("msgpack")
	require.ErrorIs(t, err, ErrUnknown)
	require.Contains(t, err.Error(), "msgpack")
}

func TestRegistryRegisterReplaces(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Get("cbor")
	require.Error(t, err, "fresh registry carries only json and gob")

	c, err := CBOR()
	require.NoError(t, err)
	r.Register(c)

	got, err := r.Get("cbor")
	require.NoError(t, err)
	require.Equal(t, "application/cbor", got.ContentType())
	require.Len(t, r.Names(), 3)
}

func TestPackageLevelMarshalUnmarshal(t *testing.T) {
	t.Parallel()

	data, err := Marshal("cbor", payload{X: 7, Y: "q"})
	require.NoError(t, err)

	var out payload
	require.NoError(t, Unmarshal("cbor", data, &out))
	require.Equal(t, 7, out.X)

	_, err = Marshal("nope", payload{})
	require.ErrorIs(t, err, ErrUnknown)
}
