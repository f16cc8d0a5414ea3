// Copyright 2025 James Ross
package schema

import (
	"fmt"
	"os"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Enforcer validates job payloads against a per-queue JSON Schema, loaded
// once from disk and cached. A queue with no registered schema is always
// valid — enforcement is opt-in per queue, not global.
type Enforcer struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// New compiles the schema file at path for each entry in queueSchemaPaths
// (queue name -> schema file path). An error compiling any schema aborts
// construction, since a broken schema file is a configuration mistake the
// operator should see immediately.
func New(queueSchemaPaths map[string]string) (*Enforcer, error) {
	e := &Enforcer{schemas: make(map[string]*gojsonschema.Schema, len(queueSchemaPaths))}
	for queueName, path := range queueSchemaPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("schema: read %s for queue %q: %w", path, queueName, err)
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s for queue %q: %w", path, queueName, err)
		}
		e.schemas[queueName] = compiled
	}
	return e, nil
}

// Validate checks payload (raw JSON) against queueName's schema, if one is
// registered. A queue without a schema always passes.
func (e *Enforcer) Validate(queueName, payload string) error {
	e.mu.RLock()
	s, ok := e.schemas[queueName]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	result, err := s.Validate(gojsonschema.NewStringLoader(payload))
	if err != nil {
		return fmt.Errorf("schema: validate payload for queue %q: %w", queueName, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ValidationError{QueueName: queueName, Violations: msgs}
	}
	return nil
}

// ValidationError reports every schema violation found for a single
// payload, rather than failing fast on the first one.
type ValidationError struct {
	QueueName  string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: payload for queue %q violates schema: %v", e.QueueName, e.Violations)
}
