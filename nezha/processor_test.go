package nezha

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dqian3/Nezha/config"
	"github.com/dqian3/Nezha/logutil"
	"github.com/dqian3/Nezha/transport"
)

// fakeEndpoint is an in-memory transport.Endpoint stand-in so engine tests
// never touch a real socket.
type fakeEndpoint struct {
	addr transport.Addr
	sent [][]byte
}

func (f *fakeEndpoint) LocalAddr() transport.Addr                             { return f.addr }
func (f *fakeEndpoint) Send(_ transport.Addr, payload []byte) error           { f.sent = append(f.sent, payload); return nil }
func (f *fakeEndpoint) Broadcast(_ []transport.Addr, payload []byte)          { f.sent = append(f.sent, payload) }
func (f *fakeEndpoint) RegisterHandler(func(from transport.Addr, payload []byte)) {}
func (f *fakeEndpoint) Start()          {}
func (f *fakeEndpoint) Close() error    { return nil }

type echoApp struct{}

func (echoApp) Execute(_ context.Context, rb RequestBody) ([]byte, error) { return rb.Command, nil }

func newTestReplica(t *testing.T) *Replica {
	t.Helper()
	cfg := config.Defaults()
	cfg.ReplicaID = 0
	cfg.ReplicaIPs = []string{"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003"}
	cfg.KeyNum = 8
	cfg.ShardCount = 2
	net := &Network{Client: &fakeEndpoint{}, Peer: &fakeEndpoint{}, PeerAddrs: make([]transport.Addr, 3)}
	return New(&cfg, echoApp{}, net, logutil.New(), nil, false)
}

func TestReleaseExtendsHashChain(t *testing.T) {
	r := newTestReplica(t)
	r.runCtx = context.Background()

	rb1 := RequestBody{Deadline: 1, ReqKey: 1, OpKey: 0, Command: []byte("a")}
	rb2 := RequestBody{Deadline: 2, ReqKey: 2, OpKey: 0, Command: []byte("b")}

	r.release(rb1)
	r.release(rb2)

	e1, ok := r.store.unsynced.Get(1)
	require.True(t, ok)
	e2, ok := r.store.unsynced.Get(2)
	require.True(t, ok)

	require.Equal(t, e1.MyHash, e1.ChainedHash)
	require.Equal(t, e1.MyHash.Combine(e2.MyHash), e2.ChainedHash)
	require.Equal(t, uint32(1), e2.PrevLogId)
	require.Equal(t, NoNextLogId, e2.NextLogId)
}

func TestReleaseRejectsDuplicateReqKey(t *testing.T) {
	r := newTestReplica(t)
	r.runCtx = context.Background()
	rb := RequestBody{Deadline: 1, ReqKey: 1, OpKey: 0}
	r.release(rb)
	r.release(rb)
	require.Equal(t, uint32(1), r.store.unsynced.MaxId())
}

func TestReleaseOnLeaderExecutesApplication(t *testing.T) {
	r := newTestReplica(t)
	r.runCtx = context.Background()
	r.viewId.Store(0) // replicaId 0 is leader of view 0
	rb := RequestBody{Deadline: 1, ReqKey: 1, OpKey: 0, Command: []byte("hello")}
	r.release(rb)
	e, ok := r.store.unsynced.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), e.Result)
}
