package events

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestEmitter_DeliversToEachListenerOnce(t *testing.T) {
	var e Emitter[string]
	var a, b []string
	e.Subscribe(func(s string) { a = append(a, s) })
	e.Subscribe(func(s string) { b = append(b, s) })

	e.Emit("signed-in")

	if len(a) != 1 || len(b) != 1 || a[0] != "signed-in" || b[0] != "signed-in" {
		t.Fatalf("a=%v b=%v", a, b)
	}
}

func TestEmitter_Unsubscribe(t *testing.T) {
	var e Emitter[int]
	var calls int
	tok := e.Subscribe(func(int) { calls++ })
	e.Emit(1)
	e.Unsubscribe(tok)
	e.Emit(2)
	e.Unsubscribe(tok) // unknown token is a no-op

	if calls != 1 {
		t.Fatalf("calls = %d; want 1", calls)
	}
	if e.Len() != 0 {
		t.Fatalf("len = %d; want 0", e.Len())
	}
}

func TestEmitter_UnsubscribeInsideCallback(t *testing.T) {
	var e Emitter[int]
	var calls int
	var tok Token
	tok = e.Subscribe(func(int) {
		calls++
		e.Unsubscribe(tok)
	})

	e.Emit(1)
	e.Emit(2)

	if calls != 1 {
		t.Fatalf("calls = %d; want 1", calls)
	}
}

func TestEmitter_Concurrent(t *testing.T) {
	var e Emitter[int]
	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := e.Subscribe(func(v int) { total.Add(int64(v)) })
			e.Emit(1)
			e.Unsubscribe(tok)
		}()
	}
	wg.Wait()

	if total.Load() < 8 {
		t.Fatalf("total = %d; want at least 8", total.Load())
	}
	if e.Len() != 0 {
		t.Fatalf("len = %d; want 0", e.Len())
	}
}
