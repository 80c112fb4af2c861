package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := ClientRequest{
		Header:  Header{ViewId: 3, CVVersion: 2, CVHash: Hash{1, 2, 3}},
		Deadline: 1000,
		ReqKey:   42,
		OpKey:    7,
		ProxyId:  9,
		Command:  []byte("set x 1"),
	}
	data, err := Encode(in)
	require.NoError(t, err)

	var out ClientRequest
	require.NoError(t, Decode(data, &out))
	require.Equal(t, in, out)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	in := FastReply{
		Header: Header{ViewId: 1},
		LogId:  5,
		Hash:   Hash{9, 9},
		Result: []byte("ok"),
	}
	data, err := Pack(MsgFastReply, in)
	require.NoError(t, err)

	typ, payload, err := Unpack(data)
	require.NoError(t, err)
	require.Equal(t, MsgFastReply, typ)

	var out FastReply
	require.NoError(t, Decode(payload, &out))
	require.Equal(t, in, out)
}

func TestUnpackDispatchesByType(t *testing.T) {
	data, err := Pack(MsgIndexSync, IndexSync{From: 1, To: 2})
	require.NoError(t, err)

	typ, _, err := Unpack(data)
	require.NoError(t, err)
	require.NotEqual(t, MsgFastReply, typ)
	require.Equal(t, MsgIndexSync, typ)
}

func TestDecodeGarbageFails(t *testing.T) {
	_, err := Unpack([]byte("not a gob stream"))
	require.Error(t, err)
}
