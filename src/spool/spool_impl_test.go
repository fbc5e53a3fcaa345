package spool

import (
	"path/filepath"
	"testing"

	"github.com/nhirsama/Goster-Gateway/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpool(t *testing.T) inter.Spool {
	t.Helper()
	s, err := NewSpoolSql(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// 测试：落盘与计数
func TestSpool_ArchiveAndCount(t *testing.T) {
	s := newTestSpool(t)

	require.NoError(t, s.Archive(inter.SpoolReasonOverflow, inter.CmdMetricsReport, []byte("m1")))
	require.NoError(t, s.Archive(inter.SpoolReasonAuthReject, inter.CmdMetricsReport, []byte("m2")))

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// 测试：Recent 按新到旧返回并还原信封字段
func TestSpool_Recent(t *testing.T) {
	s := newTestSpool(t)

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, p := range payloads {
		require.NoError(t, s.Archive(inter.SpoolReasonOverflow, inter.CmdMetricsReport, p))
	}

	records, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, []byte("c"), records[0].Payload)
	assert.Equal(t, []byte("b"), records[1].Payload)
	assert.Equal(t, inter.CmdMetricsReport, records[0].Cmd)
	assert.Equal(t, inter.SpoolReasonOverflow, records[0].Reason)
	assert.Greater(t, records[0].Seq, records[1].Seq)
}

// 测试：空库
func TestSpool_Empty(t *testing.T) {
	s := newTestSpool(t)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	records, err := s.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
