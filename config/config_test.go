package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replica.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
replicaId: 1
replicaIps: ["127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003"]
keyNum: 16
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(1), cfg.ReplicaID)
	require.Equal(t, uint32(16), cfg.KeyNum)
	require.Equal(t, uint32(100), cfg.SlidingWindowLen) // from Defaults()
	require.Equal(t, uint32(4), cfg.ShardCount)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsOutOfRangeReplicaId(t *testing.T) {
	cfg := Defaults()
	cfg.ReplicaID = 3
	cfg.ReplicaIPs = []string{"a:1", "b:2"}
	cfg.KeyNum = 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.ReplicaIPs = []string{"a:1"}
	cfg.KeyNum = 1
	cfg.LogLevel = "verbose"
	require.Error(t, cfg.Validate())
}

func TestSuperMajority(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{3, 2},
		{4, 3},
		{5, 3},
		{7, 4},
	}
	for _, c := range cases {
		cfg := Defaults()
		cfg.ReplicaIPs = make([]string, c.n)
		require.Equal(t, c.want, cfg.SuperMajority())
	}
}
