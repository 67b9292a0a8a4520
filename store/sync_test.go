package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSync(t *testing.T) {
	m := NewShardedMap[int, string](0, 2)
	require.NoError(t, m.Put(1, "keep"))
	require.NoError(t, m.Put(2, "stale"))
	require.NoError(t, m.Put(3, "old"))

	res, err := Sync[int, string](m, map[int]string{
		1: "keep",
		3: "new",
		4: "added",
	})
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Added: 1, Updated: 1, Removed: 1}, res)

	got, err := GetAll[int, string](m)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "keep", 3: "new", 4: "added"}, got)
}

func TestSync_Empty(t *testing.T) {
	m := NewShardedMap[int, int](0, 2)
	require.NoError(t, m.Put(1, 1))

	res, err := Sync[int, int](m, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Zero(t, m.Len())
}

func TestSync_ReportsFull(t *testing.T) {
	m := NewShardedMap[int, int](1, 1)

	_, err := Sync[int, int](m, map[int]int{1: 1, 2: 2})
	assert.True(t, errors.Is(err, ErrFull))
	assert.Equal(t, 1, m.Len())
}

func TestDeleteAll_IgnoresMissing(t *testing.T) {
	m := NewShardedMap[int, int](0, 2)
	require.NoError(t, m.Put(1, 1))

	assert.NoError(t, DeleteAll[int, int](m, []int{1, 2}))
	assert.Zero(t, m.Len())
}

type bulkRecorder struct {
	*ShardedMap[int, int]
	gets    int
	deletes [][]int
}

func (b *bulkRecorder) GetAll() (map[int]int, error) {
	b.gets++
	return map[int]int{7: 7}, nil
}

func (b *bulkRecorder) DeleteAll(keys []int) error {
	b.deletes = append(b.deletes, keys)
	return nil
}

func TestGetAllDeleteAll_PreferBulk(t *testing.T) {
	b := &bulkRecorder{ShardedMap: NewShardedMap[int, int](0, 1)}
	require.NoError(t, b.Put(1, 1))

	got, err := GetAll[int, int](b)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{7: 7}, got)
	assert.Equal(t, 1, b.gets)

	require.NoError(t, DeleteAll[int, int](b, []int{1, 2}))
	assert.Equal(t, [][]int{{1, 2}}, b.deletes)
	assert.Equal(t, 1, b.Len())
}
