package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncMap(t *testing.T) {
	m := NewSyncMap[string, int]()

	_, ok := m.Load("a")
	assert.False(t, ok)

	m.Store("a", 1)
	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Update("n", func(old int, _ bool) int { return old + 1 })
		}()
	}
	wg.Wait()
	v, _ = m.Load("n")
	assert.Equal(t, 100, v)
	assert.Equal(t, 2, m.Len())

	m.Delete("a")
	assert.Equal(t, 1, m.Len())
}
