package sequence

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	v       int64
	saves   int
	saveErr error
}

func (m *memStore) Load() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v, nil
}

func (m *memStore) Save(v int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.v = v
	m.saves++
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNextIsStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	// A frozen clock forces the last+1 path.
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	g, err := New(&memStore{}, WithClock(fixedClock(now)))
	require.NoError(t, err)

	first := g.Next()
	assert.Equal(t, now.UnixMicro(), first)

	prev := first
	for i := 0; i < 100; i++ {
		v := g.Next()
		assert.Greater(t, v, prev)
		prev = v
	}
	assert.Equal(t, first+100, prev)
}

func TestNextSurvivesClockGoingBackwards(t *testing.T) {
	t.Parallel()

	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	g, err := New(&memStore{}, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	a := g.Next()
	clock = clock.Add(-time.Hour)
	b := g.Next()
	assert.Equal(t, a+1, b)
}

func TestRestartResumesAbovePersistedValue(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	g1, err := New(store, WithClock(fixedClock(now)))
	require.NoError(t, err)
	var last int64
	for i := 0; i < 10; i++ {
		last = g1.Next()
	}
	bumped := g1.Bump(RecoveryJump)
	assert.Greater(t, bumped, last)

	// The second process starts with a clock behind everything the first issued.
	g2, err := New(store, WithClock(fixedClock(now.Add(-time.Minute))))
	require.NoError(t, err)
	assert.Equal(t, bumped, g2.Last())
	assert.Equal(t, bumped+1, g2.Next())
}

func TestBumpJumpsForward(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	g, err := New(&memStore{}, WithClock(fixedClock(now)))
	require.NoError(t, err)

	v := g.Next()
	b := g.Bump(RecoveryJump)
	assert.Equal(t, v+1+RecoveryJump.Microseconds(), b)
	assert.Greater(t, g.Next(), b)
}

func TestPersistFailureDegradesToClock(t *testing.T) {
	t.Parallel()

	store := &memStore{saveErr: errors.New("disk full")}
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	g, err := New(store, WithClock(fixedClock(now)))
	require.NoError(t, err)

	a := g.Next()
	b := g.Next()
	assert.Equal(t, now.UnixMicro(), a)
	assert.Greater(t, b, a)
	assert.Equal(t, 0, store.saves)
}

type brokenLoad struct{ memStore }

func (b *brokenLoad) Load() (int64, error) { return 0, errors.New("corrupt") }

func TestNewFailsWhenLoadFails(t *testing.T) {
	t.Parallel()

	_, err := New(&brokenLoad{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load sequence")
}

func TestConcurrentNextUnique(t *testing.T) {
	t.Parallel()

	g, err := New(&memStore{})
	require.NoError(t, err)

	const workers, per = 8, 250
	results := make(chan int64, workers*per)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				results <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, workers*per)
	for v := range results {
		assert.False(t, seen[v], "duplicate value %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, workers*per)
}

func TestSQLiteStoreAcrossRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seq.db")
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	open := func() *SQLiteStore {
		db, err := sql.Open("sqlite3", path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		s, err := NewSQLiteStore(db)
		require.NoError(t, err)
		return s
	}

	s1 := open()
	v, err := s1.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	g1, err := New(s1, WithClock(fixedClock(now)))
	require.NoError(t, err)
	g1.Next()
	last := g1.Next()

	g2, err := New(open(), WithClock(fixedClock(now.Add(-time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, last, g2.Last())
	assert.Greater(t, g2.Next(), last)
}
