package adapter

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatchStartsClear(t *testing.T) {
	var l Latch
	assert.NoError(t, l.Err())
}

func TestLatchFirstErrorWins(t *testing.T) {
	var l Latch
	l.Set(errors.New("first"))
	l.Set(errors.New("second"))
	assert.Equal(t, "first", l.Err().Error())
}

func TestLatchIgnoresNilSet(t *testing.T) {
	var l Latch
	l.Set(nil)
	assert.NoError(t, l.Err())
}

func TestLatchClear(t *testing.T) {
	var l Latch
	l.Set(errors.New("boom"))
	l.Clear()
	assert.NoError(t, l.Err())
	l.Set(errors.New("again"))
	assert.Equal(t, "again", l.Err().Error())
}

func TestLatchConcurrentSetIsSafe(t *testing.T) {
	var l Latch
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Set(errors.New("race"))
		}(i)
	}
	wg.Wait()
	assert.Error(t, l.Err())
}
