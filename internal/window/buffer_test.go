package window

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID    string
	Views int
	Flag  bool
}

func newBuffer(capacity int) *Buffer[item] {
	return New(capacity, func(i item) string { return i.ID })
}

func ids(items []item) []string {
	result := make([]string, len(items))
	for i, it := range items {
		result[i] = it.ID
	}
	return result
}

func of(keys ...string) []item {
	result := make([]item, len(keys))
	for i, k := range keys {
		result[i] = item{ID: k}
	}
	return result
}

// TestScenarioCapacityThree walks the documented capacity-3 scenario
func TestScenarioCapacityThree(t *testing.T) {
	b := newBuffer(3)
	b.Seed(of("A", "B", "C"))

	assert.True(t, b.Prepend(item{ID: "D"}))
	assert.Equal(t, []string{"D", "A", "B"}, ids(b.Items()))

	assert.Equal(t, 1, b.PrependBatch(of("E", "A")))
	assert.Equal(t, []string{"E", "D", "A"}, ids(b.Items()))

	assert.True(t, b.Modify("A", func(i *item) { i.Views = 5 }))
	assert.Equal(t, []string{"E", "D", "A"}, ids(b.Items()))
	a, ok := b.Get("A")
	require.True(t, ok)
	assert.Equal(t, 5, a.Views)
}

// TestPrependDuplicateIsNoop verifies length and order are untouched
func TestPrependDuplicateIsNoop(t *testing.T) {
	b := newBuffer(10)
	b.Seed(of("A", "B", "C"))

	assert.False(t, b.Prepend(item{ID: "B", Views: 99}))
	assert.Equal(t, []string{"A", "B", "C"}, ids(b.Items()))
	got, _ := b.Get("B")
	assert.Equal(t, 0, got.Views)
}

// TestPrependBatchAddsOnlyNew verifies k-m items are added in batch order
func TestPrependBatchAddsOnlyNew(t *testing.T) {
	b := newBuffer(10)
	b.Seed(of("A", "B"))

	added := b.PrependBatch(of("X", "A", "Y", "B", "Z"))

	assert.Equal(t, 3, added)
	assert.Equal(t, []string{"X", "Y", "Z", "A", "B"}, ids(b.Items()))
}

// TestPrependBatchDedupesWithinBatch verifies repeats inside one batch count once
func TestPrependBatchDedupesWithinBatch(t *testing.T) {
	b := newBuffer(10)
	assert.Equal(t, 2, b.PrependBatch(of("X", "Y", "X")))
	assert.Equal(t, []string{"X", "Y"}, ids(b.Items()))
}

// TestPrependBatchLargerThanCapacity verifies truncation happens after the merge
func TestPrependBatchLargerThanCapacity(t *testing.T) {
	b := newBuffer(3)
	b.Seed(of("A"))

	b.PrependBatch(of("P", "Q", "R", "S"))

	assert.Equal(t, []string{"P", "Q", "R"}, ids(b.Items()))
	assert.False(t, b.Has("A"))
	assert.False(t, b.Has("S"))
}

// TestModifyMissingDropped verifies updates for unknown ids change nothing
func TestModifyMissingDropped(t *testing.T) {
	b := newBuffer(5)
	b.Seed(of("A"))

	assert.False(t, b.Modify("nope", func(i *item) { i.Views = 1 }))
	assert.Equal(t, []string{"A"}, ids(b.Items()))
}

// TestModifyKeepsKey verifies a change to the key is discarded
func TestModifyKeepsKey(t *testing.T) {
	b := newBuffer(5)
	b.Seed(of("A", "B"))

	assert.False(t, b.Modify("A", func(i *item) {
		i.ID = "B"
		i.Views = 9
	}))
	assert.Equal(t, []string{"A", "B"}, ids(b.Items()))
	got, ok := b.Get("A")
	require.True(t, ok)
	assert.Equal(t, 0, got.Views)
	assert.True(t, b.Has("B"))
}

// TestUpsert verifies flag-in-place versus insert-flagged
func TestUpsert(t *testing.T) {
	b := newBuffer(5)
	b.Seed(of("A", "B"))
	flag := func(i *item) { i.Flag = true }

	assert.False(t, b.Upsert(item{ID: "B"}, flag))
	assert.Equal(t, []string{"A", "B"}, ids(b.Items()))
	got, _ := b.Get("B")
	assert.True(t, got.Flag)

	assert.True(t, b.Upsert(item{ID: "C", Flag: true}, flag))
	assert.Equal(t, []string{"C", "A", "B"}, ids(b.Items()))
}

// TestAppendPagination verifies pages go to the oldest end without duplicates
func TestAppendPagination(t *testing.T) {
	b := newBuffer(4)
	b.Seed(of("A", "B"))

	assert.Equal(t, 1, b.Append(of("B", "C")))
	assert.Equal(t, []string{"A", "B", "C"}, ids(b.Items()))

	assert.Equal(t, 1, b.Append(of("D", "E")))
	assert.Equal(t, []string{"A", "B", "C", "D"}, ids(b.Items()))

	assert.Equal(t, 0, b.Append(nil))
}

// TestSeedDedupes verifies seeding keeps the first occurrence
func TestSeedDedupes(t *testing.T) {
	b := newBuffer(5)
	assert.Equal(t, 2, b.Seed(of("A", "A", "B")))
	assert.Equal(t, []string{"A", "B"}, ids(b.Items()))
}

// TestRemove verifies removal keeps the index consistent
func TestRemove(t *testing.T) {
	b := newBuffer(5)
	b.Seed(of("A", "B", "C"))

	assert.True(t, b.Remove("B"))
	assert.False(t, b.Remove("B"))
	assert.Equal(t, []string{"A", "C"}, ids(b.Items()))

	assert.True(t, b.Modify("C", func(i *item) { i.Views = 2 }))
	got, _ := b.Get("C")
	assert.Equal(t, 2, got.Views)
}

// TestItemsIsCopy verifies callers cannot mutate the buffer through a snapshot
func TestItemsIsCopy(t *testing.T) {
	b := newBuffer(2)
	b.Seed(of("A"))
	snap := b.Items()
	snap[0].Views = 42

	got, _ := b.Get("A")
	assert.Equal(t, 0, got.Views)
}

// TestInvariantsUnderRandomPushes checks uniqueness and the capacity bound
func TestInvariantsUnderRandomPushes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	b := newBuffer(20)

	for n := 0; n < 2000; n++ {
		switch rng.Intn(4) {
		case 0:
			b.Prepend(item{ID: fmt.Sprint(rng.Intn(60))})
		case 1:
			batch := make([]item, rng.Intn(8))
			for i := range batch {
				batch[i] = item{ID: fmt.Sprint(rng.Intn(60))}
			}
			b.PrependBatch(batch)
		case 2:
			b.Modify(fmt.Sprint(rng.Intn(60)), func(i *item) { i.Views++ })
		case 3:
			b.Append(of(fmt.Sprint(rng.Intn(60))))
		}

		require.LessOrEqual(t, b.Len(), 20)
		seen := map[string]bool{}
		for _, it := range b.Items() {
			require.False(t, seen[it.ID], "duplicate %s", it.ID)
			seen[it.ID] = true
			require.True(t, b.Has(it.ID))
		}
	}
}
