package batch

import (
	"reflect"
	"testing"
)

func TestSplitWindows(t *testing.T) {
	got, err := SplitWindows(100, 105, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Window{
		{From: 100, To: 101},
		{From: 102, To: 103},
		{From: 104, To: 105},
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("windows mismatch: %+v != %+v", got, want)
	}
}

func TestSplitWindowsDefaultSize(t *testing.T) {
	got, err := SplitWindows(12000, 24999, DefaultWindowSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Window{
		{From: 12000, To: 16999},
		{From: 17000, To: 21999},
		{From: 22000, To: 24999},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("windows mismatch: %+v != %+v", got, want)
	}
	if got[2].Blocks() != 3000 {
		t.Fatalf("last window blocks: %d", got[2].Blocks())
	}
}

func TestSplitWindowsSingle(t *testing.T) {
	got, err := SplitWindows(5, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Window{{From: 5, To: 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("windows mismatch: %+v != %+v", got, want)
	}
}

func TestSplitWindowsInvalid(t *testing.T) {
	if _, err := SplitWindows(10, 9, 1); err == nil {
		t.Fatalf("expected error for invalid range")
	}
	if _, err := SplitWindows(1, 10, 0); err == nil {
		t.Fatalf("expected error for zero window size")
	}
}

func TestChunkSpans(t *testing.T) {
	got := chunkSpans(11, 5)
	want := []span{{0, 5}, {5, 10}, {10, 11}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("spans mismatch: %+v != %+v", got, want)
	}
	if len(chunkSpans(0, 5)) != 0 {
		t.Fatalf("expected no spans for empty input")
	}
}
