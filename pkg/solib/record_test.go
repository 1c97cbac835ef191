package solib

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/linecov/pkg/debuginfo"
)

func testRecord() *Record {
	return &Record{
		Relocation: 0x555555554000,
		Modules: []Module{
			{Name: ""},
			{
				Name: "/usr/lib/libfoo.so.1",
				Segments: []debuginfo.Segment{
					{PAddr: 0, VAddr: 0x7ffff7fc0000, Size: 0x1000},
					{PAddr: 0x1000, VAddr: 0x7ffff7fc1000, Size: 0x2345},
				},
			},
		},
	}
}

func TestDecode(t *testing.T) {
	data, err := testRecord().MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, headerSize+2*entrySize)

	// two records back to back, then a clean end
	r := bytes.NewReader(append(append([]byte{}, data...), data...))
	for i := 0; i < 2; i++ {
		rec, err := Decode(r)
		require.NoError(t, err)
		require.Equal(t, testRecord().Relocation, rec.Relocation)
		require.Len(t, rec.Modules, 2)
		require.Empty(t, rec.Modules[0].Segments)
		require.Equal(t, testRecord().Modules[1], rec.Modules[1])
	}
	_, err = Decode(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestDecode_Rejects(t *testing.T) {
	good, err := testRecord().MarshalBinary()
	require.NoError(t, err)

	corrupt := func(off int, v uint32) []byte {
		b := append([]byte{}, good...)
		byteOrder.PutUint32(b[off:], v)
		return b
	}

	testCases := []struct {
		name string
		data []byte
		err  error
	}{
		{name: "magic", data: corrupt(0, 0xdeadbeef), err: ErrBadMagic},
		{name: "version", data: corrupt(4, 2), err: ErrBadVersion},
		{name: "entries", data: corrupt(16, MaxEntries+1), err: ErrTooManyEntries},
		{name: "segments", data: corrupt(headerSize+entrySize+NameSize, MaxSegments+1), err: ErrTooManySegments},
		{name: "short header", data: good[:headerSize-1], err: ErrTruncated},
		{name: "short entry", data: good[:headerSize+entrySize+10], err: ErrTruncated},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tc.data))
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestMarshal_Limits(t *testing.T) {
	_, err := (&Record{Modules: []Module{{Name: strings.Repeat("x", NameSize)}}}).MarshalBinary()
	require.Error(t, err)
	_, err = (&Record{Modules: []Module{{Name: "x", Segments: make([]debuginfo.Segment, MaxSegments+1)}}}).MarshalBinary()
	require.ErrorIs(t, err, ErrTooManySegments)
}
