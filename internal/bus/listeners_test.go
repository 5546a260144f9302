package bus

import (
	"context"
	"errors"
	"testing"
)

func TestListeners_OrderedDelivery(t *testing.T) {
	l := NewListeners[string]("test", nil)
	var got []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		l.Add(func(_ context.Context, ev string) error {
			got = append(got, name+":"+ev)
			return nil
		})
	}

	if failed := l.Notify(context.Background(), "x"); failed != 0 {
		t.Fatalf("failed = %d, want 0", failed)
	}
	want := []string{"a:x", "b:x", "c:x"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestListeners_IsolatesErrorsAndPanics(t *testing.T) {
	l := NewListeners[int]("test", nil)
	reached := false
	l.Add(func(context.Context, int) error { return errors.New("boom") })
	l.Add(func(context.Context, int) error { panic("kaboom") })
	l.Add(func(context.Context, int) error {
		reached = true
		return nil
	})

	if failed := l.Notify(context.Background(), 1); failed != 2 {
		t.Fatalf("failed = %d, want 2", failed)
	}
	if !reached {
		t.Fatal("listener after failures was not invoked")
	}
}

func TestListeners_NilIgnored(t *testing.T) {
	l := NewListeners[int]("test", nil)
	l.Add(nil)
	if l.Len() != 0 {
		t.Fatalf("len = %d, want 0", l.Len())
	}
	if failed := l.Notify(context.Background(), 1); failed != 0 {
		t.Fatalf("failed = %d, want 0", failed)
	}
}
