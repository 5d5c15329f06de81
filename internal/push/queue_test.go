package push

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obs(i int) Observation {
	return Observation{Source: SourceWiFi, Data: []byte(`{"i":` + strconv.Itoa(i) + `}`)}
}

func TestQueue_DropsOldestBeyondCapacity(t *testing.T) {
	q := NewQueue(3)
	for i := 1; i <= 5; i++ {
		q.Push(obs(i))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())

	recs := q.Peek(10)
	require.Len(t, recs, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{recs[0].Seq, recs[1].Seq, recs[2].Seq})
}

func TestQueue_CommitAfterConcurrentDrops(t *testing.T) {
	q := NewQueue(4)
	for i := 1; i <= 4; i++ {
		q.Push(obs(i))
	}
	inflight := q.Peek(2) // seq 1,2

	// While the send is in flight, three more arrive and evict 1..3.
	for i := 5; i <= 7; i++ {
		q.Push(obs(i))
	}
	removed := q.Commit(inflight[len(inflight)-1].Seq)
	assert.Equal(t, 0, removed, "sent records were already evicted")

	recs := q.Peek(0)
	require.Len(t, recs, 4)
	assert.Equal(t, uint64(4), recs[0].Seq)
	assert.Equal(t, uint64(7), recs[3].Seq)
}

func TestQueue_CommitRemovesOnlySent(t *testing.T) {
	q := NewQueue(10)
	for i := 1; i <= 5; i++ {
		q.Push(obs(i))
	}
	sent := q.Peek(2)
	q.Push(obs(6))
	assert.Equal(t, 2, q.Commit(sent[1].Seq))
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, uint64(3), q.Peek(1)[0].Seq)
}

func TestQueue_ZeroCapacityClampsToOne(t *testing.T) {
	q := NewQueue(0)
	q.Push(obs(1))
	q.Push(obs(2))
	assert.Equal(t, 1, q.Cap())
	assert.Equal(t, uint64(2), q.Peek(1)[0].Seq)
}
