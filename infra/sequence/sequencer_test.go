package sequence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequencerResumes(t *testing.T) {
	s := New(41)
	require.EqualValues(t, 41, s.Current())
	require.EqualValues(t, 42, s.Next())
	require.EqualValues(t, 42, s.Current())
}

func TestSequencerUniqueUnderContention(t *testing.T) {
	s := New(0)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]struct{})
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				v := s.Next()
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 8000)
	require.EqualValues(t, 8000, s.Current())
}
