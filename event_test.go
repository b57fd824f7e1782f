package sshtrans

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventSetWakesWaiters(t *testing.T) {
	e := NewEvent()
	assert.False(t, e.IsSet())

	woke := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() { woke <- e.Wait(context.Background(), -1) }()
	}
	time.Sleep(50 * time.Millisecond)
	e.Set()
	e.Set()

	for i := 0; i < 2; i++ {
		select {
		case ok := <-woke:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	}
	assert.True(t, e.IsSet())
}

func TestEventClear(t *testing.T) {
	var e Event
	e.Set()
	assert.True(t, e.Wait(context.Background(), 0))

	e.Clear()
	assert.False(t, e.IsSet())
	assert.False(t, e.Wait(context.Background(), 20*time.Millisecond))
}

func TestEventWaitContext(t *testing.T) {
	e := NewEvent()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	assert.False(t, e.Wait(ctx, -1))
}
