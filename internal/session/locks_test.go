package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockTableSerializesPerKey(t *testing.T) {
	table := NewLockTable()

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := table.Lock("sbx-1")
			defer unlock()
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()
			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical)
	assert.Equal(t, 0, table.Len(), "entries are removed on final unlock")
}

func TestLockTableIndependentKeys(t *testing.T) {
	table := NewLockTable()
	unlockA := table.Lock("sbx-a")
	// A held lock on one sandbox must not block another sandbox.
	unlockB := table.Lock("sbx-b")
	unlockB()
	unlockA()
	assert.Equal(t, 0, table.Len())
}

func TestUnlockIsIdempotent(t *testing.T) {
	table := NewLockTable()
	unlock := table.Lock("sbx-1")
	unlock()
	unlock() // second call must not panic or double-unlock
	assert.Equal(t, 0, table.Len())
}
