package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PayloadValidator validates inbound payloads against JSON Schemas compiled
// via santhosh-tekuri/jsonschema. Schemas are registered once by name and
// compiled lazily on first use.
type PayloadValidator struct {
	mu      sync.RWMutex
	sources map[string][]byte
	cache   map[string]*jsonschema.Schema
}

// NewPayloadValidator returns a validator with an empty schema registry.
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{
		sources: make(map[string][]byte),
		cache:   make(map[string]*jsonschema.Schema),
	}
}

// Register makes a schema definition available under the given name.
func (v *PayloadValidator) Register(name string, definition []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sources[name] = definition
	delete(v.cache, name)
}

// Validate ensures the payload matches the named schema.
func (v *PayloadValidator) Validate(ctx context.Context, name string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required for validation")
	}

	compiled, err := v.getOrCompile(name)
	if err != nil {
		return err
	}

	var document any
	if err := json.Unmarshal(payload, &document); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	if err := compiled.Validate(document); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}

	return nil
}

func (v *PayloadValidator) getOrCompile(name string) (*jsonschema.Schema, error) {
	key := fmt.Sprintf("memory://schemas/%s", name)

	v.mu.RLock()
	compiled, ok := v.cache[name]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// another goroutine may have populated the cache while we were waiting
	if compiled, ok = v.cache[name]; ok {
		return compiled, nil
	}

	source, ok := v.sources[name]
	if !ok {
		return nil, fmt.Errorf("schema %s is not registered", name)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(key, bytes.NewReader(source)); err != nil {
		return nil, fmt.Errorf("register schema %s: %w", name, err)
	}

	newCompiled, err := compiler.Compile(key)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	v.cache[name] = newCompiled
	return newCompiled, nil
}
