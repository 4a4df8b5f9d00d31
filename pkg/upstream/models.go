package upstream

import "sort"

// Model maps a public model ID onto the upstream model name and mode, and
// carries the capability flags the router needs for credential selection.
type Model struct {
	ID       string
	Upstream string
	Mode     string
	Heavy    bool
	Video    bool
}

var modelTable = map[string]Model{
	"grok-3": {
		ID:       "grok-3",
		Upstream: "grok-3",
		Mode:     "MODEL_MODE_AUTO",
	},
	"grok-4": {
		ID:       "grok-4",
		Upstream: "grok-4",
		Mode:     "MODEL_MODE_EXPERT",
	},
	"grok-4-fast": {
		ID:       "grok-4-fast",
		Upstream: "grok-4-fast",
		Mode:     "MODEL_MODE_FAST",
	},
	"grok-4-mini-thinking-tahoe": {
		ID:       "grok-4-mini-thinking-tahoe",
		Upstream: "grok-4-mini-thinking-tahoe",
		Mode:     "MODEL_MODE_REASONING",
	},
	"grok-4-heavy": {
		ID:       "grok-4-heavy",
		Upstream: "grok-4-heavy",
		Mode:     "MODEL_MODE_HEAVY",
		Heavy:    true,
	},
	"grok-imagine-0.9": {
		ID:       "grok-imagine-0.9",
		Upstream: "grok-3",
		Mode:     "MODEL_MODE_AUTO",
		Video:    true,
	},
}

func LookupModel(id string) (Model, bool) {
	m, ok := modelTable[id]
	return m, ok
}

// ListModels returns the public model IDs in stable order, for /v1/models.
func ListModels() []Model {
	out := make([]Model, 0, len(modelTable))
	for _, m := range modelTable {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RateLimitModel is the model name the rate-limit endpoint expects for a
// public model. Heavy quota is tracked under its own name; everything else
// shares the standard pool.
func RateLimitModel(id string) string {
	if m, ok := modelTable[id]; ok && m.Heavy {
		return m.Upstream
	}
	return "grok-4-fast"
}
