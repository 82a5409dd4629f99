package rollout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentfleet/relay/errors"
	"github.com/agentfleet/relay/fleet"
	"github.com/agentfleet/relay/logging"
)

// Phase is a rollout state machine position.
type Phase string

const (
	PhaseNotStarted  Phase = "not_started"
	PhaseWaveEnabled Phase = "wave_enabled"
	PhaseMonitoring  Phase = "monitoring"
	PhaseProceed     Phase = "proceed"
	PhasePaused      Phase = "paused"
	PhaseRolledBack  Phase = "rolled_back"
)

// State is the controller's current position.
type State struct {
	Phase Phase
	Wave  int
	Since time.Time
}

// Verdict is the outcome of evaluating one monitoring window.
type Verdict struct {
	Go      bool
	Reasons []string
	Stats   WaveStats
}

// ControllerConfig wires a controller to its plan and fleet.
type ControllerConfig struct {
	Plan       Plan
	Thresholds Thresholds
	Registry   fleet.Registry
	Monitor    *Monitor
	Logger     *logging.Logger
}

// Controller drives the staged migration: enable a wave, watch it over
// the monitoring window, then proceed, pause, or roll back. Decisions
// live here and in the operator, never inside an agent process; agents
// only report telemetry and re-register when restarted.
type Controller struct {
	plan       Plan
	thresholds Thresholds
	registry   fleet.Registry
	monitor    *Monitor
	log        *logging.Logger

	mu    sync.Mutex
	state State

	// churn counts re-registrations per agent inside the window.
	churn map[string]int
}

// NewController creates a controller in PhaseNotStarted.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Plan.Len() == 0 {
		return nil, errors.Construction("controller requires a plan")
	}
	if cfg.Registry == nil {
		return nil, errors.Construction("controller requires a registry")
	}
	if cfg.Monitor == nil {
		return nil, errors.Construction("controller requires a monitor")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logging.New().WithComponent("rollout-controller")
	}

	return &Controller{
		plan:       cfg.Plan,
		thresholds: cfg.Thresholds,
		registry:   cfg.Registry,
		monitor:    cfg.Monitor,
		log:        log,
		state:      State{Phase: PhaseNotStarted, Since: time.Now()},
		churn:      make(map[string]int),
	}, nil
}

// State returns the current state machine position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Plan returns the rollout plan.
func (c *Controller) Plan() Plan {
	return c.plan
}

// Thresholds returns the active criteria.
func (c *Controller) Thresholds() Thresholds {
	return c.thresholds
}

// transition moves the state machine; all movement funnels through here.
func (c *Controller) transition(phase Phase, wave int) {
	c.state = State{Phase: phase, Wave: wave, Since: time.Now()}
	c.log.Info("rollout transition", map[string]interface{}{
		"phase": string(phase),
		"wave":  wave,
	})
}

// Resume fast-forwards a fresh controller from registry state: every
// leading wave below `before` whose members all carry the unified flag
// is treated as complete. Operator tooling calls this so each
// invocation picks up where the previous one left off; a command
// acting on wave n resumes with before=n so wave n itself stays
// pending. Legal only from NotStarted.
func (c *Controller) Resume(before int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhaseNotStarted {
		return errors.Newf(errors.ErrCodeInternal,
			"cannot resume from phase %s", c.state.Phase)
	}
	if before > c.plan.Len() {
		before = c.plan.Len()
	}

	done := -1
	for n := 0; n < before; n++ {
		spec, err := c.plan.Wave(n)
		if err != nil {
			return err
		}
		converged := true
		for _, id := range spec.Agents {
			entry, err := c.registry.Get(id)
			if err != nil || !entry.UnifiedEnabled {
				converged = false
				break
			}
		}
		if !converged {
			break
		}
		done = n
	}

	if done >= 0 {
		c.transition(PhaseProceed, done)
	}
	return nil
}

// EnableWave marks wave n as the active wave. Legal from NotStarted (for
// wave 0), from Proceed (for the next wave), and from Paused (retrying
// the same wave after investigation).
func (c *Controller) EnableWave(n int) error {
	if _, err := c.plan.Wave(n); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Phase {
	case PhaseNotStarted:
		if n != 0 {
			return errors.Newf(errors.ErrCodeInvalidConfig,
				"rollout starts at wave 0, not %d", n)
		}
	case PhaseProceed:
		if n != c.state.Wave+1 {
			return errors.Newf(errors.ErrCodeInvalidConfig,
				"wave %d finished, next is %d", c.state.Wave, c.state.Wave+1)
		}
	case PhasePaused:
		if n != c.state.Wave {
			return errors.Newf(errors.ErrCodeInvalidConfig,
				"paused on wave %d, only that wave may be retried", c.state.Wave)
		}
	default:
		return errors.Newf(errors.ErrCodeInternal,
			"cannot enable a wave from phase %s", c.state.Phase)
	}

	c.transition(PhaseWaveEnabled, n)
	return nil
}

// AwaitWaveConverged blocks until every member of the active wave has
// re-registered with the expected flag value, then (for enablement)
// opens the monitoring window. The flag only changes on restart, so
// convergence is observed through fleet re-registration.
func (c *Controller) AwaitWaveConverged(ctx context.Context, wantUnified bool, timeout time.Duration) error {
	c.mu.Lock()
	if c.state.Phase != PhaseWaveEnabled && c.state.Phase != PhaseRolledBack {
		phase := c.state.Phase
		c.mu.Unlock()
		return errors.Newf(errors.ErrCodeInternal,
			"no wave awaiting convergence in phase %s", phase)
	}
	wave := c.state.Wave
	phase := c.state.Phase
	c.mu.Unlock()

	spec, err := c.plan.Wave(wave)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		converged, missing, err := c.waveFlagState(spec, wantUnified)
		if err != nil {
			return err
		}
		if converged {
			break
		}
		if time.Now().After(deadline) {
			return errors.Timeout(fmt.Sprintf(
				"wave %q: %d agents have not re-registered with unified=%v",
				spec.Name, missing, wantUnified))
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "await wave convergence")
		case <-time.After(time.Second):
		}
	}

	if phase == PhaseWaveEnabled {
		c.mu.Lock()
		c.churn = make(map[string]int)
		c.transition(PhaseMonitoring, wave)
		c.mu.Unlock()
		c.monitor.ResetWindow()
	}
	return nil
}

// waveFlagState counts wave members whose registration does not yet
// carry the wanted flag.
func (c *Controller) waveFlagState(spec WaveSpec, wantUnified bool) (bool, int, error) {
	missing := 0
	for _, id := range spec.Agents {
		entry, err := c.registry.Get(id)
		if err == fleet.ErrNotFound {
			missing++
			continue
		}
		if err != nil {
			return false, 0, errors.Wrap(err, "registry get")
		}
		if entry.UnifiedEnabled != wantUnified {
			missing++
		}
	}
	return missing == 0, missing, nil
}

// NoteRegistryEvent feeds fleet watch events into churn tracking. An
// agent that keeps re-registering inside one window is crash looping.
func (c *Controller) NoteRegistryEvent(ev fleet.Event) {
	if ev.Type != fleet.EventAdded && ev.Type != fleet.EventUpdated {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhaseMonitoring {
		return
	}
	c.churn[ev.ID.String()]++
}

// Evaluate scores the active wave against the thresholds. It never moves
// the state machine; Proceed, Pause, and Rollback act on its verdict.
func (c *Controller) Evaluate() (Verdict, error) {
	c.mu.Lock()
	if c.state.Phase != PhaseMonitoring {
		phase := c.state.Phase
		c.mu.Unlock()
		return Verdict{}, errors.Newf(errors.ErrCodeInternal,
			"nothing to evaluate in phase %s", phase)
	}
	wave := c.state.Wave
	since := c.state.Since
	churn := make(map[string]int, len(c.churn))
	for id, n := range c.churn {
		churn[id] = n
	}
	c.mu.Unlock()

	spec, err := c.plan.Wave(wave)
	if err != nil {
		return Verdict{}, err
	}

	stats := c.monitor.WaveStats(spec.Agents)
	v := Verdict{Stats: stats}

	if elapsed := time.Since(since); elapsed < c.thresholds.MonitoringWindow.Duration {
		v.Reasons = append(v.Reasons, fmt.Sprintf(
			"window not elapsed: %s of %s", elapsed.Round(time.Second), c.thresholds.MonitoringWindow))
	}
	if len(stats.Missing) > 0 {
		v.Reasons = append(v.Reasons, fmt.Sprintf(
			"%d agents reported no telemetry", len(stats.Missing)))
	}
	if rate := stats.DualSuccessRate(); rate < c.thresholds.MinDualSuccessRate {
		v.Reasons = append(v.Reasons, fmt.Sprintf(
			"dual success rate %.4f below %.4f", rate, c.thresholds.MinDualSuccessRate))
	}
	if rate := stats.ErrorRate(); rate > c.thresholds.MaxErrorRate {
		v.Reasons = append(v.Reasons, fmt.Sprintf(
			"error rate %.4f above %.4f", rate, c.thresholds.MaxErrorRate))
	}
	if p99 := stats.P99LatencyMS(); p99 > c.thresholds.MaxP99LatencyMS {
		v.Reasons = append(v.Reasons, fmt.Sprintf(
			"p99 latency %.0fms above %.0fms", p99, c.thresholds.MaxP99LatencyMS))
	}
	for id, n := range churn {
		if n > c.thresholds.MaxRegistryChurn {
			v.Reasons = append(v.Reasons, fmt.Sprintf(
				"agent %s re-registered %d times (restart loop?)", id, n))
		}
	}

	v.Go = len(v.Reasons) == 0
	return v, nil
}

// Proceed closes a healthy monitoring window. The rollout is ready for
// EnableWave on the next wave, or complete after the last one.
func (c *Controller) Proceed() error {
	v, err := c.Evaluate()
	if err != nil {
		return err
	}
	if !v.Go {
		return errors.Newf(errors.ErrCodeInternal,
			"wave is not healthy: %v", v.Reasons)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.transition(PhaseProceed, c.state.Wave)
	return nil
}

// Pause freezes the rollout for investigation without reverting the flag.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhaseMonitoring {
		return errors.Newf(errors.ErrCodeInternal,
			"nothing to pause in phase %s", c.state.Phase)
	}
	c.transition(PhasePaused, c.state.Wave)
	return nil
}

// Rollback reverts the active wave: after operators restart its members
// with the flag off, it awaits registry reversion within MaxRollbackTime
// and verifies unified-pattern publish counters have flattened.
func (c *Controller) Rollback(ctx context.Context) error {
	c.mu.Lock()
	switch c.state.Phase {
	case PhaseWaveEnabled, PhaseMonitoring, PhasePaused:
	default:
		phase := c.state.Phase
		c.mu.Unlock()
		return errors.Newf(errors.ErrCodeInternal,
			"nothing to roll back in phase %s", phase)
	}
	wave := c.state.Wave
	c.transition(PhaseRolledBack, wave)
	c.mu.Unlock()

	spec, err := c.plan.Wave(wave)
	if err != nil {
		return err
	}

	if err := c.AwaitWaveConverged(ctx, false, c.thresholds.MaxRollbackTime.Duration); err != nil {
		return errors.Wrap(err, "rollback of wave "+spec.Name)
	}

	// Registrations reverted; confirm the unified pattern went quiet.
	c.monitor.ResetWindow()
	settle := c.thresholds.MaxRollbackTime.Duration / 10
	if settle > 10*time.Second {
		settle = 10 * time.Second
	}
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "rollback settle")
	case <-time.After(settle):
	}

	for id, n := range c.monitor.AgentRefActivity(spec.Agents) {
		if n > 0 {
			return errors.Newf(errors.ErrCodeInternal,
				"agent %s still publishing on the unified pattern after rollback", id)
		}
	}

	c.log.Info("rollback verified", map[string]interface{}{"wave": spec.Name})
	return nil
}
