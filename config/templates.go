package config

import "fmt"

// Template is a named bundle of tuning values that can be applied as a
// group. Templates and the optimization engine adjust the same knobs, so
// applying a template is recorded change-by-change in the change log.
type Template struct {
	ID          string
	Description string
	Values      map[string]interface{}
}

var templates = map[string]Template{
	"conservative": {
		ID:          "conservative",
		Description: "Small batches and low parallelism for constrained hosts",
		Values: map[string]interface{}{
			"processing.batch_size":           2,
			"processing.concurrent_processes": 2,
			"database.connection_pool_size":   5,
		},
	},
	"balanced": {
		ID:          "balanced",
		Description: "Production defaults",
		Values: map[string]interface{}{
			"processing.batch_size":           3,
			"processing.concurrent_processes": 5,
			"database.connection_pool_size":   10,
		},
	},
	"aggressive": {
		ID:          "aggressive",
		Description: "Large batches and high parallelism for dedicated hosts",
		Values: map[string]interface{}{
			"processing.batch_size":           10,
			"processing.concurrent_processes": 10,
			"database.connection_pool_size":   20,
		},
	},
}

// Templates lists the available template ids.
func Templates() []string {
	out := make([]string, 0, len(templates))
	for id := range templates {
		out = append(out, id)
	}
	return out
}

// ApplyTemplate applies every value of a named template. Changes are
// applied individually so each is independently reversible.
func (m *Manager) ApplyTemplate(templateID, actor string) ([]Change, error) {
	tpl, ok := templates[templateID]
	if !ok {
		return nil, fmt.Errorf("unknown template %q", templateID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	changes := make([]Change, 0, len(tpl.Values))
	for key, value := range tpl.Values {
		c, err := m.setLocked(key, value, actor, true)
		changes = append(changes, c)
		if err != nil {
			return changes, fmt.Errorf("applying template %s at %s: %w", templateID, key, err)
		}
	}
	return changes, nil
}
