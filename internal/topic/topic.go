package topic

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Stream names of the status topics.
const (
	ServerStatus = "application_server_status"
	Uptime       = "application_uptime"
	RecordCounts = "application_record_counts"
	ExternalTime = "application_external_time"
	DeviceInfo   = "application_device_info"
	TimeZone     = "application_time_zone"
)

// Topic binds a stream name to the schema its records are serialized with.
type Topic struct {
	Name   string
	Schema string
}

func (t *Topic) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}

// Registry maps stream names to topics.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*Topic
}

func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]*Topic)}
}

// Default returns a registry holding the six status topics.
func Default() *Registry {
	r := NewRegistry()
	for name, schema := range map[string]string{
		ServerStatus: "org.radarcns.monitor.application.ApplicationServerStatus",
		Uptime:       "org.radarcns.monitor.application.ApplicationUptime",
		RecordCounts: "org.radarcns.monitor.application.ApplicationRecordCounts",
		ExternalTime: "org.radarcns.monitor.application.ApplicationExternalTime",
		DeviceInfo:   "org.radarcns.monitor.application.ApplicationDeviceInfo",
		TimeZone:     "org.radarcns.monitor.application.ApplicationTimeZone",
	} {
		// names and schemas are static and non-empty
		_, _ = r.Register(name, schema)
	}
	return r
}

// Register adds a topic. Registering the same name twice with a different
// schema is an error.
func (r *Registry) Register(name, schema string) (*Topic, error) {
	name = strings.TrimSpace(name)
	schema = strings.TrimSpace(schema)
	if name == "" {
		return nil, errors.New("topic: empty name")
	}
	if schema == "" {
		return nil, errors.Errorf("topic %s: empty schema", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.topics[name]; ok {
		if existing.Schema != schema {
			return nil, errors.Errorf("topic %s already registered with schema %s", name, existing.Schema)
		}
		return existing, nil
	}
	t := &Topic{Name: name, Schema: schema}
	r.topics[name] = t
	return t, nil
}

// Resolve returns the topic for name or an error when it is unknown.
func (r *Registry) Resolve(name string) (*Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[strings.TrimSpace(name)]
	if !ok {
		return nil, errors.Errorf("topic %s unknown", name)
	}
	return t, nil
}

// Topics lists the registered topics sorted by name.
func (r *Registry) Topics() []*Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
