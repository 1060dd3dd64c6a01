package shardserver

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type rangeDeletionTask struct {
	namespace string
	rng       model.ChunkRange
	notBefore time.Time
}

type deleteFunc func(ctx context.Context, namespace string, rng model.ChunkRange) (int, error)

// RangeDeleter removes documents left behind in ranges a shard donated. Tasks
// wait for delay so that queries started before the migration finish first.
type RangeDeleter struct {
	delay            time.Duration
	interval         time.Duration
	maxInitialJitter time.Duration
	deleteRange      deleteFunc
	now              func() time.Time

	mu      sync.Mutex
	tasks   []rangeDeletionTask
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewRangeDeleter(delay time.Duration, interval time.Duration, deleteRange deleteFunc) *RangeDeleter {
	if interval <= 0 {
		interval = time.Second
	}
	return &RangeDeleter{
		delay:            delay,
		interval:         interval,
		maxInitialJitter: interval,
		deleteRange:      deleteRange,
		now:              time.Now,
	}
}

func (d *RangeDeleter) Schedule(namespace string, rng model.ChunkRange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, rangeDeletionTask{
		namespace: namespace,
		rng:       rng.Clone(),
		notBefore: d.now().Add(d.delay),
	})
	log.Info("scheduled range deletion", zap.String("namespace", namespace), zap.Object("range", rng), zap.Duration("delay", d.delay))
}

// Cancel drops every task of namespace.
func (d *RangeDeleter) Cancel(namespace string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.tasks[:0]
	for _, t := range d.tasks {
		if t.namespace != namespace {
			kept = append(kept, t)
		}
	}
	d.tasks = kept
}

func (d *RangeDeleter) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// RunDue runs the tasks whose delay has passed and returns the number of
// documents deleted. Failed tasks stay queued.
func (d *RangeDeleter) RunDue(ctx context.Context) int {
	now := d.now()
	d.mu.Lock()
	var due []rangeDeletionTask
	kept := d.tasks[:0]
	for _, t := range d.tasks {
		if !t.notBefore.After(now) {
			due = append(due, t)
		} else {
			kept = append(kept, t)
		}
	}
	d.tasks = kept
	d.mu.Unlock()

	deleted := 0
	for _, t := range due {
		n, err := d.deleteRange(ctx, t.namespace, t.rng)
		if err != nil {
			log.Error("range deletion failed", zap.String("namespace", t.namespace), zap.Object("range", t.rng), zap.Error(err))
			d.mu.Lock()
			d.tasks = append(d.tasks, t)
			d.mu.Unlock()
			continue
		}
		deleted += n
	}
	if len(due) > 0 {
		log.Info("ran range deletions", zap.Int("tasks", len(due)), zap.Int("deleted", deleted))
	}
	return deleted
}

func (d *RangeDeleter) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.running = true
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.run(d.stop)
	return nil
}

func (d *RangeDeleter) run(stop chan struct{}) {
	defer d.wg.Done()
	if d.maxInitialJitter > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(d.maxInitialJitter) + 1))):
		case <-stop:
			return
		}
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case <-ticker.C:
			d.RunDue(ctx)
		case <-stop:
			return
		}
	}
}

func (d *RangeDeleter) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stop)
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}
