package rollout

import (
	"github.com/BurntSushi/toml"

	"github.com/agentfleet/relay/errors"
	"github.com/agentfleet/relay/identity"
)

// WaveSpec is one named rollout wave.
type WaveSpec struct {
	// Name labels the wave for operators ("canary", "infrastructure").
	Name string

	// Agents are the stable ids of the wave's members.
	Agents []identity.AgentID
}

// Plan is the ordered list of waves a rollout walks through.
type Plan struct {
	Waves []WaveSpec
}

// planTOML is the on-disk layout.
type planTOML struct {
	Waves []struct {
		Name   string   `toml:"name"`
		Agents []string `toml:"agents"`
	} `toml:"waves"`
}

// LoadPlan reads a rollout plan from a TOML file:
//
//	[[waves]]
//	name = "canary"
//	agents = ["018f…", "018f…"]
func LoadPlan(path string) (Plan, error) {
	var raw planTOML
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Plan{}, errors.New(errors.ErrCodeInvalidConfig,
			"load plan: "+path, errors.WithCause(err))
	}
	return buildPlan(raw)
}

func buildPlan(raw planTOML) (Plan, error) {
	if len(raw.Waves) == 0 {
		return Plan{}, errors.Construction("plan has no waves")
	}

	seen := make(map[string]string)
	plan := Plan{Waves: make([]WaveSpec, 0, len(raw.Waves))}

	for i, w := range raw.Waves {
		if w.Name == "" {
			return Plan{}, errors.Newf(errors.ErrCodeInvalidConfig, "wave %d has no name", i)
		}
		if len(w.Agents) == 0 {
			return Plan{}, errors.Newf(errors.ErrCodeInvalidConfig, "wave %q has no agents", w.Name)
		}

		spec := WaveSpec{Name: w.Name, Agents: make([]identity.AgentID, 0, len(w.Agents))}
		for _, s := range w.Agents {
			id, err := identity.ParseAgentID(s)
			if err != nil {
				return Plan{}, errors.New(errors.ErrCodeInvalidConfig,
					"wave "+w.Name+": bad agent id "+s, errors.WithCause(err))
			}
			if prev, dup := seen[id.String()]; dup {
				return Plan{}, errors.Newf(errors.ErrCodeInvalidConfig,
					"agent %s appears in waves %q and %q", id, prev, w.Name)
			}
			seen[id.String()] = w.Name
			spec.Agents = append(spec.Agents, id)
		}
		plan.Waves = append(plan.Waves, spec)
	}

	return plan, nil
}

// Wave returns the n-th wave (zero-based).
func (p Plan) Wave(n int) (WaveSpec, error) {
	if n < 0 || n >= len(p.Waves) {
		return WaveSpec{}, errors.Newf(errors.ErrCodeInvalidConfig,
			"plan has no wave %d (%d waves)", n, len(p.Waves))
	}
	return p.Waves[n], nil
}

// Len returns the number of waves.
func (p Plan) Len() int {
	return len(p.Waves)
}
