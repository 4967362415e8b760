package agent

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryBusReplaysHistory(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	pub := bus.Transport()
	ctx := context.Background()
	if err := pub.Publish(ctx, "topic", []byte("early")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got []string
	sub, err := bus.Transport().Subscribe(ctx, "topic", func(_ string, payload []byte) {
		got = append(got, string(payload))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(ctx, "topic", []byte("live")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.Publish(ctx, "other", []byte("elsewhere")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 2 || got[0] != "early" || got[1] != "live" {
		t.Fatalf("unexpected deliveries %v", got)
	}

	sub.Cancel()
	if err := pub.Publish(ctx, "topic", []byte("after")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("cancelled subscription still received %v", got)
	}
}

func TestMemoryTransportClosed(t *testing.T) {
	t.Parallel()

	tr := NewMemoryBus().Transport()
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Publish(context.Background(), "t", []byte("x")); !errors.Is(err, errTransportClosed) {
		t.Fatalf("expected closed transport error, got %v", err)
	}
	if _, err := tr.Subscribe(context.Background(), "t", func(string, []byte) {}); !errors.Is(err, errTransportClosed) {
		t.Fatalf("expected closed transport error, got %v", err)
	}
}

func TestSharedMemoryBusByName(t *testing.T) {
	t.Parallel()

	if SharedMemoryBus("shared-test-a") != SharedMemoryBus("shared-test-a") {
		t.Fatalf("expected the same bus for one name")
	}
	if SharedMemoryBus("shared-test-a") == SharedMemoryBus("shared-test-b") {
		t.Fatalf("expected distinct buses for distinct names")
	}
}
