package handoff

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Sekisho/internal/sekisho/sanitize"
)

// validateData checks the sanitized payload against the workspace schema
// for this handoff type, when one exists at auth/schemas/<type>.json. No
// schema means any payload is accepted. handoffType has already been
// through AgentName, so it cannot steer the path.
func (s *Store) validateData(handoffType string, data any) error {
	sch, err := s.schemaFor(handoffType)
	if err != nil {
		return err
	}
	if sch == nil {
		return nil
	}
	if err := sch.Validate(data); err != nil {
		return fmt.Errorf("handoff: %s payload rejected by schema (%v): %w", handoffType, err, sanitize.ErrInvalidInput)
	}
	return nil
}

// schemaFor loads and compiles the schema for handoffType, caching
// compiled schemas for the store's lifetime. Absence is not cached, so a
// schema dropped into a live workspace takes effect on the next create.
func (s *Store) schemaFor(handoffType string) (*jsonschema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sch, ok := s.schemas[handoffType]; ok {
		return sch, nil
	}

	path, err := s.validatePath(filepath.Join(s.schemaDir, handoffType+".json"))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("handoff: read schema for %s: %w", handoffType, err)
	}

	sch, err := jsonschema.CompileString(handoffType+".json", string(data))
	if err != nil {
		return nil, fmt.Errorf("handoff: compile schema for %s: %w", handoffType, err)
	}
	s.schemas[handoffType] = sch
	return sch, nil
}
