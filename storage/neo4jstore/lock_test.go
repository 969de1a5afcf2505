package neo4jstore

import (
	"testing"
	"time"
)

func TestProjectionLock(t *testing.T) {
	var l projectionLock

	// Writers share the lock.
	l.WLock()
	l.WLock()

	read := make(chan struct{})
	go func() {
		l.Lock()
		close(read)
		l.Unlock()
	}()
	select {
	case <-read:
		t.Fatal("Lock() returned while writers held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	l.WUnlock()
	l.WUnlock()
	select {
	case <-read:
	case <-time.After(5 * time.Second):
		t.Fatal("Lock() did not return once the writers released the lock")
	}
}
