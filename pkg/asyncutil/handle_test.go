package asyncutil

import (
	"errors"
	"testing"
)

func TestFulfillThenWait(t *testing.T) {
	h := NewHandle()
	h.Fulfill(42)
	v, err := h.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.(int) != 42 {
		t.Fatalf("got %v, want 42", v)
	}
}

func TestFailInvokesOnFailure(t *testing.T) {
	h := NewHandle()
	wantErr := errors.New("boom")

	var got error
	h.OnFailure(func(err error) { got = err })
	h.Fail(wantErr)

	if got != wantErr {
		t.Fatalf("callback got %v, want %v", got, wantErr)
	}
	_, err := h.Wait()
	if err != wantErr {
		t.Fatalf("Wait() err = %v, want %v", err, wantErr)
	}
}

func TestOnFailureAfterFailRunsImmediately(t *testing.T) {
	h := NewHandle()
	wantErr := errors.New("late registration")
	h.Fail(wantErr)

	var got error
	h.OnFailure(func(err error) { got = err })
	if got != wantErr {
		t.Fatalf("late OnFailure got %v, want %v", got, wantErr)
	}
}

func TestSecondCompletionIgnored(t *testing.T) {
	h := NewHandle()
	h.Fulfill(1)
	h.Fail(errors.New("too late"))

	v, err := h.Wait()
	if err != nil || v.(int) != 1 {
		t.Fatalf("fulfill should win: v=%v err=%v", v, err)
	}
}
