package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duh17/oppi-sub004/pkg/protocol"
)

func TestRing_PushRejectsNonIncreasingSeq(t *testing.T) {
	r := New(4)
	_, err := r.Push(&protocol.AgentStart{}, 1, 1000)
	require.NoError(t, err)

	_, err = r.Push(&protocol.AgentStart{}, 1, 1001)
	assert.Error(t, err)

	_, err = r.Push(&protocol.AgentStart{}, 0, 1001)
	assert.Error(t, err)
}

func TestRing_SinceReturnsGapFreeOrder(t *testing.T) {
	r := New(10)
	for i := int64(1); i <= 5; i++ {
		_, err := r.Push(&protocol.AgentStart{}, i, 1000+i)
		require.NoError(t, err)
	}

	recs := r.Since(2)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(3), recs[0].Seq)
	assert.Equal(t, int64(4), recs[1].Seq)
	assert.Equal(t, int64(5), recs[2].Seq)
}

func TestRing_EvictsFIFOAtCapacity(t *testing.T) {
	r := New(3)
	for i := int64(1); i <= 5; i++ {
		_, err := r.Push(&protocol.AgentStart{}, i, 1000)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(3), r.OldestSeq())
	assert.Equal(t, int64(5), r.CurrentSeq())

	recs := r.Since(0)
	require.Len(t, recs, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{recs[0].Seq, recs[1].Seq, recs[2].Seq})
}

func TestRing_CanServeResyncCase(t *testing.T) {
	r := New(3)
	for i := int64(1); i <= 5; i++ {
		_, err := r.Push(&protocol.AgentStart{}, i, 1000)
		require.NoError(t, err)
	}
	// oldest is 3, so CanServe(1) is false (gap between 1 and 3) -> resync case.
	assert.False(t, r.CanServe(1))
	assert.True(t, r.CanServe(2))
	assert.True(t, r.CanServe(4))
}

func TestRing_NextSeqAndCurrentSeq(t *testing.T) {
	r := New(5)
	assert.Equal(t, int64(1), r.NextSeq())
	_, err := r.Push(&protocol.AgentStart{}, r.NextSeq(), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.CurrentSeq())
	assert.Equal(t, int64(2), r.NextSeq())
}
