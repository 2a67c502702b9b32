package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/geopresence/internal/adapters/mq/queue"
	worker "github.com/okian/geopresence/internal/adapters/mq/worker"
	model "github.com/okian/geopresence/internal/domain/model"
	logging "github.com/okian/geopresence/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

// recordingProcessor remembers the per-user order it saw transitions in.
type recordingProcessor struct {
	mu     sync.Mutex
	byUser map[string][]string
	fail   map[string]error
	delay  time.Duration
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		byUser: make(map[string][]string),
		fail:   make(map[string]error),
	}
}

func (p *recordingProcessor) Process(_ context.Context, ev model.TransitionEvent) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[ev.ID]; ok {
		return err
	}
	p.byUser[ev.UserID] = append(p.byUser[ev.UserID], ev.ID)
	return nil
}

func (p *recordingProcessor) seen(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.byUser[userID]...)
}

func transition(userID string, seq int) model.TransitionEvent {
	return model.TransitionEvent{
		ID:         fmt.Sprintf("%s-%d", userID, seq),
		UserID:     userID,
		RegionID:   "home",
		Kind:       model.Enter,
		OccurredAt: time.Now(),
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a new InMemoryWorker", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue[model.TransitionEvent](queue.WithCapacity(10))
		proc := newRecordingProcessor()

		convey.Convey("When creating a worker with custom options", func() {
			w := worker.NewInMemoryWorker(q, proc,
				worker.WithName("test-worker"),
				worker.WithLogger(logging.NewNop()),
			)

			convey.Convey("Then it should be created successfully", func() {
				convey.So(w, convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When running a worker", func() {
			w := worker.NewInMemoryWorker(q, proc, worker.WithLogger(logging.NewNop()))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go w.Run(ctx)

			convey.Convey("And when processing transitions", func() {
				for i := 1; i <= 3; i++ {
					convey.So(q.Enqueue(ctx, transition("u1", i)), convey.ShouldBeTrue)
				}

				convey.Convey("Then they are handled in order", func() {
					convey.So(waitFor(func() bool { return len(proc.seen("u1")) == 3 }), convey.ShouldBeTrue)
					convey.So(proc.seen("u1"), convey.ShouldResemble, []string{"u1-1", "u1-2", "u1-3"})
				})
			})

			convey.Convey("And when the processor fails for one item", func() {
				proc.fail["u1-1"] = errors.New("sink down")
				convey.So(q.Enqueue(ctx, transition("u1", 1)), convey.ShouldBeTrue)
				convey.So(q.Enqueue(ctx, transition("u1", 2)), convey.ShouldBeTrue)

				convey.Convey("Then the worker keeps going", func() {
					convey.So(waitFor(func() bool { return len(proc.seen("u1")) == 1 }), convey.ShouldBeTrue)
					convey.So(proc.seen("u1"), convey.ShouldResemble, []string{"u1-2"})
				})
			})

			convey.Convey("And when the queue is closed", func() {
				convey.So(q.Enqueue(ctx, transition("u1", 1)), convey.ShouldBeTrue)
				convey.So(q.Close(), convey.ShouldBeNil)

				convey.Convey("Then Shutdown returns after draining", func() {
					sctx, scancel := context.WithTimeout(context.Background(), time.Second)
					defer scancel()
					convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
					convey.So(proc.seen("u1"), convey.ShouldResemble, []string{"u1-1"})
				})
			})
		})

		convey.Convey("When the processor panics", func() {
			w := worker.NewInMemoryWorker(q, worker.ProcessorFunc(func(context.Context, model.TransitionEvent) error {
				panic("boom")
			}), worker.WithLogger(logging.NewNop()))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go w.Run(ctx)

			convey.So(q.Enqueue(ctx, transition("u1", 1)), convey.ShouldBeTrue)
			convey.So(q.Close(), convey.ShouldBeNil)

			convey.Convey("Then the worker survives and exits cleanly", func() {
				sctx, scancel := context.WithTimeout(context.Background(), time.Second)
				defer scancel()
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
			})
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a keyed worker pool", t, func() {
		ctx := context.Background()
		proc := newRecordingProcessor()
		pool := worker.NewPool(4, 256, proc, worker.WithPoolLogger(logging.NewNop()))
		pool.Start(ctx)
		convey.So(pool.Workers(), convey.ShouldEqual, 4)

		convey.Convey("When many users submit transitions concurrently", func() {
			const users, perUser = 20, 10
			var wg sync.WaitGroup
			for u := 0; u < users; u++ {
				wg.Add(1)
				go func(userID string) {
					defer wg.Done()
					for i := 1; i <= perUser; i++ {
						_ = pool.Submit(ctx, transition(userID, i))
					}
				}(fmt.Sprintf("user-%d", u))
			}
			wg.Wait()

			convey.Convey("Then each user's transitions are processed in order", func() {
				convey.So(pool.Shutdown(ctx), convey.ShouldBeNil)
				for u := 0; u < users; u++ {
					userID := fmt.Sprintf("user-%d", u)
					want := make([]string, 0, perUser)
					for i := 1; i <= perUser; i++ {
						want = append(want, fmt.Sprintf("%s-%d", userID, i))
					}
					convey.So(proc.seen(userID), convey.ShouldResemble, want)
				}
			})
		})

		convey.Convey("When the pool is shut down", func() {
			convey.So(pool.Shutdown(ctx), convey.ShouldBeNil)

			convey.Convey("Then submissions fail with ErrPoolClosed", func() {
				err := pool.Submit(ctx, transition("u1", 1))
				convey.So(errors.Is(err, worker.ErrPoolClosed), convey.ShouldBeTrue)
				convey.So(pool.Shutdown(ctx), convey.ShouldBeNil)
			})
		})
	})

	convey.Convey("Given a pool with a tiny queue and a slow processor", t, func() {
		ctx := context.Background()
		proc := newRecordingProcessor()
		proc.delay = 100 * time.Millisecond
		pool := worker.NewPool(1, 1, proc, worker.WithPoolLogger(logging.NewNop()))
		pool.Start(ctx)
		defer func() { _ = pool.Shutdown(ctx) }()

		convey.Convey("When submissions outpace the worker", func() {
			var full int
			for i := 1; i <= 5; i++ {
				if errors.Is(pool.Submit(ctx, transition("u1", i)), worker.ErrQueueFull) {
					full++
				}
			}

			convey.Convey("Then the excess is rejected", func() {
				convey.So(full, convey.ShouldBeGreaterThan, 0)
			})
		})

		convey.Convey("When submissions wait for room instead", func() {
			for i := 1; i <= 4; i++ {
				convey.So(pool.SubmitWait(ctx, transition("u1", i)), convey.ShouldBeNil)
			}

			convey.Convey("Then every transition is processed in order", func() {
				convey.So(waitFor(func() bool { return len(proc.seen("u1")) == 4 }), convey.ShouldBeTrue)
				convey.So(proc.seen("u1"), convey.ShouldResemble, []string{"u1-1", "u1-2", "u1-3", "u1-4"})
			})
		})

		convey.Convey("When the waiting caller's context ends first", func() {
			convey.So(pool.SubmitWait(ctx, transition("u1", 1)), convey.ShouldBeNil)
			convey.So(pool.SubmitWait(ctx, transition("u1", 2)), convey.ShouldBeNil)
			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()

			convey.Convey("Then the context error is returned", func() {
				err := pool.SubmitWait(waitCtx, transition("u1", 3))
				convey.So(errors.Is(err, context.DeadlineExceeded), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the pool is shut down", func() {
			convey.So(pool.Shutdown(ctx), convey.ShouldBeNil)

			convey.Convey("Then waiting submissions fail with ErrPoolClosed", func() {
				convey.So(errors.Is(pool.SubmitWait(ctx, transition("u1", 9)), worker.ErrPoolClosed), convey.ShouldBeTrue)
			})
		})
	})
}
