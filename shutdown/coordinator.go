package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/agentfleet/relay/logging"
)

// DefaultTimeout bounds a full teardown when none is given.
const DefaultTimeout = 30 * time.Second

// Coordinator runs registered teardown steps stage by stage.
type Coordinator struct {
	timeout time.Duration
	log     *logging.Logger

	mu      sync.Mutex
	steps   []step
	once    sync.Once
	err     error
	report  *Report
	done    chan struct{}
	sigCh   chan os.Signal
	started time.Time
}

type step struct {
	name  string
	stage Stage
	fn    StepFunc
}

// New creates a coordinator. A zero timeout means DefaultTimeout.
func New(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		timeout: timeout,
		log:     logging.New().WithComponent("shutdown"),
		done:    make(chan struct{}),
		sigCh:   make(chan os.Signal, 1),
	}
}

// Register adds a teardown step to a stage. Registration after
// teardown has begun is ignored.
func (c *Coordinator) Register(stage Stage, name string, fn StepFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, stage: stage, fn: fn})
}

// NotifySignals arms SIGTERM/SIGINT handling. On signal, teardown runs
// with the configured timeout.
func (c *Coordinator) NotifySignals() {
	signal.Notify(c.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig, ok := <-c.sigCh
		if !ok {
			return
		}
		c.log.Info("signal received, shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		_ = c.Run(ctx) // outcome surfaces via Err and Result
	}()
}

// Trigger initiates teardown as if a signal arrived.
func (c *Coordinator) Trigger() {
	select {
	case c.sigCh <- syscall.SIGTERM:
	default:
	}
}

// Done is closed once teardown finishes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err is the overall teardown error, valid after Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns per-step outcomes, valid after Done is closed.
func (c *Coordinator) Result() *Report {
	select {
	case <-c.done:
		return c.report
	default:
		return nil
	}
}

// Run executes teardown once. Later calls return the first outcome, or
// ErrAlreadyStopped while the first run is still in progress.
func (c *Coordinator) Run(ctx context.Context) error {
	ran := false
	c.once.Do(func() {
		ran = true
		c.started = time.Now()
		c.err = c.run(ctx)
		close(c.done)
	})
	if ran {
		return c.err
	}
	select {
	case <-c.done:
		return c.err
	default:
		return ErrAlreadyStopped
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	steps := make([]step, len(c.steps))
	copy(steps, c.steps)
	c.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].stage < steps[j].stage
	})

	report := &Report{Steps: make([]StepResult, 0, len(steps))}
	defer func() {
		report.TotalDuration = time.Since(c.started)
		c.report = report
	}()

	var overall error
	for _, group := range groupByStage(steps) {
		select {
		case <-ctx.Done():
			report.Err = ErrDeadlineExceeded
			return ErrDeadlineExceeded
		default:
		}

		for _, res := range c.runStage(ctx, group) {
			report.Steps = append(report.Steps, res)
			if res.Err != nil {
				c.log.Error("shutdown step failed", map[string]interface{}{
					"step":  res.Name,
					"stage": res.Stage.String(),
					"error": res.Err.Error(),
				})
				overall = ErrStepFailed
			}
		}
	}

	report.Err = overall
	return overall
}

// runStage executes one stage's steps concurrently.
func (c *Coordinator) runStage(ctx context.Context, steps []step) []StepResult {
	results := make([]StepResult, len(steps))
	var wg sync.WaitGroup
	for i, s := range steps {
		wg.Add(1)
		go func(i int, s step) {
			defer wg.Done()
			start := time.Now()
			err := s.fn(ctx)
			results[i] = StepResult{
				Name:     s.name,
				Stage:    s.stage,
				Duration: time.Since(start),
				Err:      err,
			}
		}(i, s)
	}
	wg.Wait()
	return results
}

func groupByStage(steps []step) [][]step {
	var groups [][]step
	var cur []step
	for _, s := range steps {
		if len(cur) > 0 && s.stage != cur[0].stage {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}
