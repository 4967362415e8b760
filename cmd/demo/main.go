package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"a2anode/pkg/agent"
)

func main() {
	endpoint := flag.String("endpoint", "memory://demo", "Endpoint both agents join (memory://, wss://relay, redis://, ...)")
	encrypted := flag.Bool("encrypted", true, "Seal task traffic")
	scheme := flag.String("scheme", agent.SchemeNIP44, "Encryption scheme: nip44 or x25519")
	flag.Parse()

	fmt.Println("Starting A2A demo...")

	cfg := agent.DefaultConfig()
	cfg.Encrypted = *encrypted
	cfg.EncryptionScheme = *scheme

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bobEvents := agent.NewChannelObserver(64)
	alice := agent.NewNode(cfg, agent.WithObserver(agent.LogObserver{}))
	bob := agent.NewNode(cfg, agent.WithObserver(agent.MultiObserver{agent.LogObserver{}, bobEvents}))

	fmt.Println("Starting Agent A (alice)...")
	if err := alice.Init(ctx, "alice", "asks questions", *endpoint, *encrypted); err != nil {
		log.Fatalf("Failed to start alice: %v", err)
	}
	defer alice.Shutdown()

	fmt.Println("Starting Agent B (bob)...")
	if err := bob.Init(ctx, "bob", "answers hello with hi", *endpoint, *encrypted); err != nil {
		log.Fatalf("Failed to start bob: %v", err)
	}
	defer bob.Shutdown()

	go answerTasks(ctx, bob, bobEvents)

	if err := bob.Announce(ctx); err != nil {
		log.Fatalf("bob announce: %v", err)
	}
	bobID, _ := bob.PubKey()

	fmt.Println("[Agent A] Waiting for bob's card...")
	if err := waitUntil(ctx, func() bool {
		entries, _ := alice.Discover()
		for _, e := range entries {
			if e.Card.PublicKey == bobID {
				return true
			}
		}
		return false
	}); err != nil {
		log.Fatalf("bob was never discovered: %v", err)
	}
	fmt.Printf("[Agent A] Discovered bob: %s\n", bobID)

	taskID, err := alice.SendText(ctx, bobID, "hello")
	if err != nil {
		log.Fatalf("send: %v", err)
	}
	fmt.Printf("[Agent A] Sent task %s: hello\n", taskID)

	var result agent.OutboundTask
	if err := waitUntil(ctx, func() bool {
		st, err := alice.TaskStatus(taskID)
		if err != nil {
			return false
		}
		result = st
		return st.State == agent.TaskStateCompleted
	}); err != nil {
		log.Fatalf("no answer from bob: %v", err)
	}
	fmt.Printf("[Agent A] Task %s completed: %s\n", taskID, result.Result)
	fmt.Println("Demo finished.")
}

// answerTasks replies "hi" to every task bob receives.
func answerTasks(ctx context.Context, bob *agent.Node, events *agent.ChannelObserver) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events.Events():
			if e.Type != agent.EventTasksChanged {
				continue
			}
			tasks, err := bob.PollTasks()
			if err != nil {
				fmt.Printf("[Agent B] Poll failed: %v\n", err)
				continue
			}
			for _, t := range tasks {
				fmt.Printf("[Agent B] Task %s from %s: %s\n", t.ID, t.Requester[:12], t.Payload)
				if err := bob.Respond(ctx, t.ID, "hi"); err != nil {
					fmt.Printf("[Agent B] Respond failed: %v\n", err)
				}
			}
		}
	}
}

func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
