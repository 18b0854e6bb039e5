package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("runbook", builtinRunbookSchema, "#Runbook"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("plugin", builtinRunbookSchema, "#Plugin"); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s has no definition %s: %w", name, definition, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data any) error {
	// A cue.Context is not safe for concurrent use
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateRunbook validates a decoded runbook document against the runbook schema.
func (sr *SchemaRegistry) ValidateRunbook(ctx context.Context, document map[string]any) error {
	return sr.ValidateAgainstSchema(ctx, "runbook", document)
}

const builtinRunbookSchema = `
// Go duration string, e.g. "1m30s"
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

// Plugin entry. Fields other than type and name belong to the plugin definition.
#Plugin: {
	type:  string & =~"^[a-z][a-z0-9-]*$"
	name?: string & !=""
	...
}

#Retry: {
	delay?:       #Duration
	maxAttempts?: int & >=0
}

#KeepListening: {
	pollTime?: #Duration
}

#VendorVM: {
	name:          string & !=""
	vmManager:     #Plugin
	vmInteraction: #Plugin
}

#Runbook: {
	main?: {...}

	collectionPhase?: {
		collectors: [#Plugin, ...#Plugin]
		infoProviders?: [...#Plugin]
	}

	livenessPhase?: {
		sampleExecutionPath:        string & !=""
		vmManager:                  #Plugin
		vmInteraction:              #Plugin
		analyzers:                  [#Plugin, ...#Plugin]
		markAsChangedOnAccessLost?: bool
		markAsInactiveAfter?:       #Duration
		analyzeEvery?:              #Duration
		keepListening?:             #KeepListening
		retry?:                     #Retry
		retrySendFile?:             bool
	}

	evaluationPhase?: {
		sampleExecutionPath:       string & !=""
		vendorVMs:                 [#VendorVM, ...#VendorVM]
		analyzers:                 [#Plugin, ...#Plugin]
		markAsInmuneOnAccessLost?: bool
		markAsInmuneAfter?:        #Duration
		analyzeEvery?:             #Duration
		keepListening?:            #KeepListening
		retry?:                    #Retry
		retrySendFile?:            bool
	}

	telemetry?: {
		metrics?: {
			enabled?: bool
		}
		tracing?: {
			enabled?:      bool
			exporter?:     "otlp" | "stdout" | "none"
			endpoint?:     string
			samplingRate?: number & >=0 & <=1
		}
	}
}
`
