package fsutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWaitStableReturnsOnceSizeSettles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "part.csv")
	if err := os.WriteFile(path, []byte("initial"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- WaitStable(context.Background(), path, StableConfig{
			PollInterval: 10 * time.Millisecond,
			QuietPeriod:  30 * time.Millisecond,
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitStable: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitStable did not return in time")
	}
}

func TestWaitStableRespectsContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "part.csv")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitStable(ctx, path, StableConfig{PollInterval: time.Millisecond, QuietPeriod: time.Hour})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWaitStableMissingFile(t *testing.T) {
	dir := t.TempDir()
	err := WaitStable(context.Background(), filepath.Join(dir, "nope.csv"), StableConfig{})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWaitReleaseSucceedsWhenOpenable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "part.csv")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WaitRelease(context.Background(), path, StableConfig{PollInterval: time.Millisecond}); err != nil {
		t.Fatalf("WaitRelease: %v", err)
	}
}

func TestWaitSlotReturnsImmediatelyWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Nestpick.csv")
	if err := WaitSlot(context.Background(), path, StableConfig{PollInterval: time.Millisecond}); err != nil {
		t.Fatalf("WaitSlot: %v", err)
	}
}

func TestWaitSlotReturnsOnceOccupantRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Nestpick.csv")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- WaitSlot(context.Background(), path, StableConfig{PollInterval: 10 * time.Millisecond, Timeout: time.Second})
	}()

	time.Sleep(30 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitSlot: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitSlot did not return in time")
	}
}

func TestWaitSlotTimesOutWhenStillOccupied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Nestpick.csv")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := WaitSlot(context.Background(), path, StableConfig{PollInterval: time.Millisecond, Timeout: 20 * time.Millisecond})
	if err != ErrSlotBusy {
		t.Fatalf("err = %v, want ErrSlotBusy", err)
	}
}
