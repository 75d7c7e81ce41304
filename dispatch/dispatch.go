// Package dispatch is the in-process event mux domain packages use to fan
// out DomainEvents (reservation created, transfer accepted, equipment
// status changed, ...) to every interested subscriber (in this bot, the
// Reconciler) without each emitter knowing who is listening.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/log"
)

var (
	errDispatcherNotInitialized         = errors.New("dispatcher not initialized")
	errDispatcherAlreadyRunning         = errors.New("dispatcher already running")
	errDispatcherJobsAtLimit            = errors.New("dispatcher jobs at limit, cannot publish")
	errDispatcherUUIDNotFoundInRouteList = errors.New("dispatcher uuid not found in route list")
	errWorkerCeilingReached             = errors.New("worker ceiling reached")
	errLeakedWorkers                    = errors.New("leaked workers found")
	errNoWorkers                        = errors.New("no workers associated with dispatcher")
	errIDNotSet                         = errors.New("id not set")
	errNoData                           = errors.New("no data supplied")
	errChannelIsNil                     = errors.New("channel is nil")
	errChannelNotFoundInUUIDRef         = errors.New("channel not found in uuid reference slice")
	errUUIDCollision                    = errors.New("uuid collision, generator return same id")
	errTypeAssertionFailure             = errors.New("type assertion failure")
	errMuxIsNil                         = errors.New("mux is nil")
	errNoIDs                            = errors.New("no ids supplied")

	// ErrNotRunning is returned by operations that require the dispatcher
	// to be started first.
	ErrNotRunning = errors.New("dispatcher not running")
)

const defaultMaxWorkers = 10
const defaultJobsLimit = 100

// job is a single published payload destined for one uuid route.
type job struct {
	data any
	id   uuid.UUID
}

// Dispatcher is the central worker pool and route table. Publishers push
// payloads by uuid; workers pull from the job queue and fan each payload
// out to every channel subscribed to that uuid.
type Dispatcher struct {
	routes   map[uuid.UUID][]chan any
	outbound sync.Pool

	jobs  chan job
	kill  chan struct{}
	wg    sync.WaitGroup

	count int32
	max   int32

	running bool
	mtx     sync.RWMutex
}

var (
	globalDispatcher = newDispatcher()
	logger           = log.SubLogger("dispatch")
)

func newDispatcher() *Dispatcher {
	d := &Dispatcher{routes: make(map[uuid.UUID][]chan any)}
	d.outbound.New = getChan
	return d
}

func getChan() any {
	return make(chan any)
}

// Start spins up the global dispatcher with the given worker pool and
// pending-jobs limit (0 selects the package defaults).
func Start(workers, jobsLimit int) error {
	return globalDispatcher.start(workers, jobsLimit)
}

// Stop shuts the global dispatcher down, releasing all workers.
func Stop() error {
	return globalDispatcher.stop()
}

// IsRunning reports whether the global dispatcher is running.
func IsRunning() bool {
	return globalDispatcher.isRunning()
}

// SpawnWorker adds one worker to the global dispatcher's pool.
func SpawnWorker() error {
	return globalDispatcher.spawnWorker()
}

// DropWorker removes one worker from the global dispatcher's pool.
func DropWorker() error {
	return globalDispatcher.dropWorker()
}

func (d *Dispatcher) isRunning() bool {
	if d == nil {
		return false
	}
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.running
}

func (d *Dispatcher) start(workers, jobsLimit int) error {
	if d == nil {
		return errDispatcherNotInitialized
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.running {
		return errDispatcherAlreadyRunning
	}
	if d.count != 0 {
		return errLeakedWorkers
	}

	if workers <= 0 {
		workers = defaultMaxWorkers
	}
	if jobsLimit <= 0 {
		jobsLimit = defaultJobsLimit
	}
	d.max = int32(workers)
	d.jobs = make(chan job, jobsLimit)
	d.kill = make(chan struct{})
	d.running = true

	for i := 0; i < workers; i++ {
		d.spawnWorkerLocked()
	}
	return nil
}

func (d *Dispatcher) stop() error {
	if d == nil {
		return errDispatcherNotInitialized
	}
	d.mtx.Lock()
	if !d.running {
		d.mtx.Unlock()
		return ErrNotRunning
	}
	d.running = false
	close(d.kill)
	d.mtx.Unlock()

	d.wg.Wait()
	atomic.StoreInt32(&d.count, 0)
	return nil
}

func (d *Dispatcher) spawnWorker() error {
	if d == nil {
		return errDispatcherNotInitialized
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if !d.running {
		return ErrNotRunning
	}
	return d.spawnWorkerLocked()
}

func (d *Dispatcher) spawnWorkerLocked() error {
	if atomic.LoadInt32(&d.count) >= d.max {
		return errWorkerCeilingReached
	}
	atomic.AddInt32(&d.count, 1)
	d.wg.Add(1)
	go d.relay()
	return nil
}

func (d *Dispatcher) dropWorker() error {
	if d == nil {
		return errDispatcherNotInitialized
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if !d.running {
		return ErrNotRunning
	}
	if atomic.LoadInt32(&d.count) == 0 {
		return errNoWorkers
	}
	d.jobs <- job{id: uuid.Nil} // poison pill consumed by exactly one worker
	atomic.AddInt32(&d.count, -1)
	return nil
}

func (d *Dispatcher) relay() {
	defer d.wg.Done()
	for {
		select {
		case <-d.kill:
			return
		case j := <-d.jobs:
			if j.id == uuid.Nil {
				return
			}
			d.mtx.RLock()
			subs := d.routes[j.id]
			d.mtx.RUnlock()
			for _, ch := range subs {
				select {
				case ch <- j.data:
				case <-d.kill:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) publish(id uuid.UUID, data any) error {
	if d == nil {
		return errDispatcherNotInitialized
	}
	d.mtx.RLock()
	running := d.running
	d.mtx.RUnlock()
	if !running {
		return nil
	}
	if id == uuid.Nil {
		return errIDNotSet
	}
	if data == nil {
		return errNoData
	}
	select {
	case d.jobs <- job{id: id, data: data}:
		return nil
	default:
		return errDispatcherJobsAtLimit
	}
}

func (d *Dispatcher) subscribe(id uuid.UUID) (chan any, error) {
	if id == uuid.Nil {
		return nil, errIDNotSet
	}
	if d == nil {
		return nil, errDispatcherNotInitialized
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.routes[id]; !ok {
		return nil, errDispatcherUUIDNotFoundInRouteList
	}
	raw := d.outbound.Get()
	ch, ok := raw.(chan any)
	if !ok {
		return nil, errTypeAssertionFailure
	}
	d.routes[id] = append(d.routes[id], ch)
	return ch, nil
}

func (d *Dispatcher) unsubscribe(id uuid.UUID, ch <-chan any) error {
	if id == uuid.Nil {
		return errIDNotSet
	}
	if ch == nil {
		return errChannelIsNil
	}
	if d == nil {
		return errDispatcherNotInitialized
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if !d.running {
		return nil
	}
	subs, ok := d.routes[id]
	if !ok {
		return errDispatcherUUIDNotFoundInRouteList
	}
	for i, sub := range subs {
		if (<-chan any)(sub) == ch {
			d.routes[id] = append(subs[:i], subs[i+1:]...)
			d.outbound.Put(sub)
			return nil
		}
	}
	return errChannelNotFoundInUUIDRef
}

// getNewID allocates a fresh uuid via gen and registers it as a route,
// retrying-as-error (never silently) if gen collides with an existing id.
func (d *Dispatcher) getNewID(gen func() (uuid.UUID, error)) (uuid.UUID, error) {
	if d == nil {
		return uuid.Nil, errDispatcherNotInitialized
	}
	id, err := gen()
	if err != nil {
		return uuid.Nil, err
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.routes[id]; ok {
		return uuid.Nil, errUUIDCollision
	}
	d.routes[id] = nil
	return id, nil
}

// Pipe is a single subscriber's view of a Mux, wrapping the relay channel
// with a Release method that returns it to the pool.
type Pipe struct {
	C   <-chan any
	id  uuid.UUID
	mux *Mux
}

// Release unsubscribes the pipe, returning its channel to the dispatcher.
func (p Pipe) Release() error {
	return p.mux.Unsubscribe(p.id, p.C)
}

// Mux is a per-consumer handle onto a Dispatcher: domain packages hold a
// Mux instead of talking to the Dispatcher directly, the way the teacher
// repository isolates exchange websocket routing from the shared
// dispatcher internals.
type Mux struct {
	d *Dispatcher
}

// GetNewMux returns a Mux bound to d (or the package-global dispatcher if
// d is nil).
func GetNewMux(d *Dispatcher) *Mux {
	if d == nil {
		d = globalDispatcher
	}
	return &Mux{d: d}
}

// GetID allocates a new route id for a publisher (e.g. one per guild, or
// one per reservation) to publish DomainEvents against.
func (m *Mux) GetID() (uuid.UUID, error) {
	if m == nil {
		return uuid.Nil, errMuxIsNil
	}
	return m.d.getNewID(uuid.NewV4)
}

// Subscribe returns a Pipe that receives every payload published against
// id until released.
func (m *Mux) Subscribe(id uuid.UUID) (Pipe, error) {
	if m == nil {
		return Pipe{}, errMuxIsNil
	}
	ch, err := m.d.subscribe(id)
	if err != nil {
		return Pipe{}, err
	}
	return Pipe{C: ch, id: id, mux: m}, nil
}

// Unsubscribe detaches ch from id.
func (m *Mux) Unsubscribe(id uuid.UUID, ch <-chan any) error {
	if m == nil {
		return errMuxIsNil
	}
	return m.d.unsubscribe(id, ch)
}

// Publish fans data out to every subscriber of every id given.
func (m *Mux) Publish(data any, ids ...uuid.UUID) error {
	if m == nil {
		return errMuxIsNil
	}
	if data == nil {
		return errNoData
	}
	if len(ids) == 0 {
		return errNoIDs
	}
	for _, id := range ids {
		if err := m.d.publish(id, data); err != nil && !errors.Is(err, errIDNotSet) {
			logger.Errorf("publish to %s failed: %v", id, err)
		}
	}
	return nil
}
