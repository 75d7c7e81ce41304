package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid"
)

func TestDispatcherLifecycle(t *testing.T) {
	t.Parallel()
	var d *Dispatcher
	if err := d.stop(); !errors.Is(err, errDispatcherNotInitialized) {
		t.Fatalf("received: %v but expected: %v", err, errDispatcherNotInitialized)
	}
	if err := d.start(1, 1); !errors.Is(err, errDispatcherNotInitialized) {
		t.Fatalf("received: %v but expected: %v", err, errDispatcherNotInitialized)
	}
	if d.isRunning() {
		t.Fatal("expected false for nil dispatcher")
	}

	d = newDispatcher()
	if err := d.stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("received: %v but expected: %v", err, ErrNotRunning)
	}

	if err := d.start(1, 1); err != nil {
		t.Fatal(err)
	}
	if !d.isRunning() {
		t.Fatal("expected true once started")
	}
	if err := d.start(1, 1); !errors.Is(err, errDispatcherAlreadyRunning) {
		t.Fatalf("received: %v but expected: %v", err, errDispatcherAlreadyRunning)
	}

	if err := d.spawnWorker(); !errors.Is(err, errWorkerCeilingReached) {
		t.Fatalf("received: %v but expected: %v", err, errWorkerCeilingReached)
	}
	if err := d.dropWorker(); err != nil {
		t.Fatal(err)
	}
	if err := d.dropWorker(); !errors.Is(err, errNoWorkers) {
		t.Fatalf("received: %v but expected: %v", err, errNoWorkers)
	}
	if err := d.spawnWorker(); err != nil {
		t.Fatal(err)
	}

	if err := d.stop(); err != nil {
		t.Fatal(err)
	}
	if err := d.dropWorker(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("received: %v but expected: %v", err, ErrNotRunning)
	}
}

func TestPublishSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	d := newDispatcher()
	if err := d.start(2, 10); err != nil {
		t.Fatal(err)
	}
	defer d.stop()

	if _, err := d.getNewID(func() (uuid.UUID, error) { return uuid.Nil, errors.New("boom") }); err == nil {
		t.Fatal("expected generator error to propagate")
	}

	id, err := d.getNewID(uuid.NewV4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.getNewID(func() (uuid.UUID, error) { return id, nil }); !errors.Is(err, errUUIDCollision) {
		t.Fatalf("received: %v but expected: %v", err, errUUIDCollision)
	}

	if err := d.publish(uuid.Nil, "x"); !errors.Is(err, errIDNotSet) {
		t.Fatalf("received: %v but expected: %v", err, errIDNotSet)
	}
	if err := d.publish(id, nil); !errors.Is(err, errNoData) {
		t.Fatalf("received: %v but expected: %v", err, errNoData)
	}

	if _, err := d.subscribe(uuid.Nil); !errors.Is(err, errIDNotSet) {
		t.Fatalf("received: %v but expected: %v", err, errIDNotSet)
	}
	unregistered := [uuid.Size]byte{255}
	if _, err := d.subscribe(unregistered); !errors.Is(err, errDispatcherUUIDNotFoundInRouteList) {
		t.Fatalf("received: %v but expected: %v", err, errDispatcherUUIDNotFoundInRouteList)
	}

	ch, err := d.subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.publish(id, "payload"); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got.(string) != "payload" {
			t.Fatalf("expected payload, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}

	if err := d.unsubscribe(uuid.Nil, ch); !errors.Is(err, errIDNotSet) {
		t.Fatalf("received: %v but expected: %v", err, errIDNotSet)
	}
	if err := d.unsubscribe(id, nil); !errors.Is(err, errChannelIsNil) {
		t.Fatalf("received: %v but expected: %v", err, errChannelIsNil)
	}
	if err := d.unsubscribe(id, ch); err != nil {
		t.Fatal(err)
	}
	if err := d.unsubscribe(id, ch); !errors.Is(err, errChannelNotFoundInUUIDRef) {
		t.Fatalf("received: %v but expected: %v", err, errChannelNotFoundInUUIDRef)
	}
}

func TestMux(t *testing.T) {
	t.Parallel()
	var mux *Mux
	if _, err := mux.GetID(); !errors.Is(err, errMuxIsNil) {
		t.Fatalf("received: %v but expected: %v", err, errMuxIsNil)
	}
	if _, err := mux.Subscribe(uuid.Nil); !errors.Is(err, errMuxIsNil) {
		t.Fatalf("received: %v but expected: %v", err, errMuxIsNil)
	}
	if err := mux.Unsubscribe(uuid.Nil, nil); !errors.Is(err, errMuxIsNil) {
		t.Fatalf("received: %v but expected: %v", err, errMuxIsNil)
	}
	if err := mux.Publish("x"); !errors.Is(err, errMuxIsNil) {
		t.Fatalf("received: %v but expected: %v", err, errMuxIsNil)
	}

	d := newDispatcher()
	if err := d.start(2, 10); err != nil {
		t.Fatal(err)
	}
	defer d.stop()

	mux = GetNewMux(d)
	if err := mux.Publish("x"); !errors.Is(err, errNoIDs) {
		t.Fatalf("received: %v but expected: %v", err, errNoIDs)
	}
	if err := mux.Publish(nil, uuid.Nil); !errors.Is(err, errNoData) {
		t.Fatalf("received: %v but expected: %v", err, errNoData)
	}

	id, err := mux.GetID()
	if err != nil {
		t.Fatal(err)
	}
	pipe, err := mux.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_ = mux.Publish("fanout", id)
	}()

	select {
	case got := <-pipe.C:
		if got.(string) != "fanout" {
			t.Fatalf("expected fanout, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanout")
	}

	if err := pipe.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestSubscribeManyAndRelease(t *testing.T) {
	t.Parallel()
	d := newDispatcher()
	if err := d.start(4, 1000); err != nil {
		t.Fatal(err)
	}
	defer d.stop()

	mux := GetNewMux(d)
	id, err := mux.GetID()
	if err != nil {
		t.Fatal(err)
	}

	var pipes []Pipe
	for i := 0; i < 200; i++ {
		p, err := mux.Subscribe(id)
		if err != nil {
			t.Fatal(err)
		}
		pipes = append(pipes, p)
	}
	for _, p := range pipes {
		if err := p.Release(); err != nil {
			t.Error(err)
		}
	}
}
