package notify

import (
	"testing"

	"github.com/localfirst/outpost/internal/record"
)

func TestPublishDeliversToKindSubscribers(t *testing.T) {
	hub := NewHub()

	templates, cancelTemplates := hub.Subscribe(record.KindTemplate)
	defer cancelTemplates()
	memories, cancelMemories := hub.Subscribe(record.KindMemory)
	defer cancelMemories()

	hub.Publish(&Info{
		Kind:          record.KindTemplate,
		Modifications: []string{"t1", "t2"},
		Deletions:     []string{"t3"},
	})

	select {
	case info := <-templates:
		if len(info.Modifications) != 2 || len(info.Deletions) != 1 {
			t.Errorf("unexpected info contents: %+v", info)
		}
	default:
		t.Fatal("template subscriber did not receive info")
	}

	select {
	case info := <-memories:
		t.Fatalf("memory subscriber received info for another kind: %+v", info)
	default:
	}
}

func TestPublishDropsEmptyInfo(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(record.KindMemory)
	defer cancel()

	hub.Publish(&Info{Kind: record.KindMemory})
	hub.Publish(nil)

	select {
	case info := <-ch:
		t.Fatalf("empty info should not be delivered: %+v", info)
	default:
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(record.KindMemory)
	defer cancel()

	// Fill the buffer and keep publishing; the hub must not block.
	for i := 0; i < 100; i++ {
		hub.Publish(&Info{Kind: record.KindMemory, Modifications: []string{"m"}})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 {
		t.Error("expected at least one delivery before backpressure drop")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(record.KindMemory)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	hub.Publish(&Info{Kind: record.KindMemory, Modifications: []string{"m"}})
}

func TestHierarchicalGrouping(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(record.KindMessage)
	defer cancel()

	hub.Publish(&Info{
		Kind:          record.KindMessage,
		Modifications: []string{"m1", "m2"},
		ModificationsByParent: map[string][]string{
			"conv-1": {"m1"},
			"conv-2": {"m2"},
		},
	})

	info := <-ch
	if len(info.ModificationsByParent["conv-1"]) != 1 {
		t.Errorf("expected m1 grouped under conv-1, got %+v", info.ModificationsByParent)
	}
}
