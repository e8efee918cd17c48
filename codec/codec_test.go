package codec

import (
	"errors"
	"testing"

	"github.com/matryer/is"
)

func TestGet(t *testing.T) {
	is := is.New(t)

	for _, name := range Names() {
		c, err := Get(name)
		is.NoErr(err)
		is.Equal(c.Name(), name)
	}

	_, err := Get("does-not-exist")
	is.True(errors.Is(err, ErrNotRegistered))
}

func TestJSONRoundtrip(t *testing.T) {
	is := is.New(t)

	type T struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	b, err := JSON.Marshal(&T{Name: "a", Count: 2})
	is.NoErr(err)

	var v T
	is.NoErr(JSON.Unmarshal(b, &v))
	is.Equal(v, T{Name: "a", Count: 2})

	// Empty input is a no-op.
	is.NoErr(JSON.Unmarshal(nil, &v))
	is.Equal(v, T{Name: "a", Count: 2})
}

func TestMsgPackRoundtrip(t *testing.T) {
	is := is.New(t)

	type T struct {
		Name  string
		Count int
	}

	b, err := MsgPack.Marshal(&T{Name: "a", Count: 2})
	is.NoErr(err)

	var v T
	is.NoErr(MsgPack.Unmarshal(b, &v))
	is.Equal(v, T{Name: "a", Count: 2})
}

func TestBinaryByteSlices(t *testing.T) {
	is := is.New(t)

	b, err := Binary.Marshal([]byte("payload"))
	is.NoErr(err)
	is.Equal(b, []byte("payload"))

	var out []byte
	is.NoErr(Binary.Unmarshal(b, &out))
	is.Equal(out, []byte("payload"))

	_, err = Binary.Marshal(5)
	is.True(err != nil)
}
