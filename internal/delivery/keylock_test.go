package delivery

import (
	"sync"
	"testing"

	"github.com/alfredjeanlab/kbus/internal/model"
)

func TestKeyLock_SerializesSameKey(t *testing.T) {
	l := NewKeyLock(8)
	k := model.DeliveryKey{EventID: "evt-1", SubscriptionID: "sub-1"}

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(k)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 100 {
		t.Fatalf("counter = %d, want 100", counter)
	}
}

func TestKeyLock_StableShard(t *testing.T) {
	l := NewKeyLock(16)
	a := model.DeliveryKey{EventID: "evt-1", SubscriptionID: "sub-1"}
	if l.shard(a) != l.shard(a) {
		t.Fatal("shard is not deterministic")
	}
	if got := NewKeyLock(0).shard(a); got != 0 {
		t.Fatalf("single-shard arena returned shard %d", got)
	}
}
