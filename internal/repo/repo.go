// Package repo provides one repository per persisted entity, each
// translating between internal/domain values and the SQL rows defined in
// internal/store. No raw SQL is issued outside of this package; the
// Scheduler and Supervisor depend only on these repositories.
package repo

import (
	"encoding/json"

	"github.com/taskmesh/taskmeshd/internal/store"
)

// Repositories bundles every entity repository behind one struct so callers
// take a single dependency instead of wiring each one individually.
type Repositories struct {
	Tasks     *TaskRepo
	Instances *InstanceRepo
	Logs      *LogRepo
	Results   *ResultRepo
	Telemetry *TelemetryRepo
	Metrics   *MetricRepo
}

// New builds every repository over a shared Store.
func New(s *store.Store) *Repositories {
	return &Repositories{
		Tasks:     &TaskRepo{db: s},
		Instances: &InstanceRepo{db: s},
		Logs:      &LogRepo{db: s},
		Results:   &ResultRepo{db: s},
		Telemetry: &TelemetryRepo{db: s},
		Metrics:   &MetricRepo{db: s},
	}
}

func marshalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMetadata(s string) map[string]string {
	if s == "" {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]string{}
	}
	return m
}
