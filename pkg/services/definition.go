package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loomline/loomline/pkg/compiler"
	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
)

// Definition handles definition lifecycle: compile from text, validate,
// refresh the rendered form after graph edits.
type Definition struct {
	definitions persistence.DefinitionRepository
	logger      *slog.Logger
}

func NewDefinition(definitions persistence.DefinitionRepository, logger *slog.Logger) *Definition {
	return &Definition{
		definitions: definitions,
		logger:      logger.With("module", "definition-service"),
	}
}

// Create compiles definition text and stores the result.
func (s *Definition) Create(ctx context.Context, text string) (*models.Definition, []string, error) {
	def, warnings, err := compiler.Compile(text)
	if err != nil {
		return nil, nil, err
	}

	if def.ID == "" {
		def.ID = "def-" + uuid.New().String()
	}

	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := s.definitions.Save(ctx, def); err != nil {
		return nil, nil, err
	}

	s.logger.InfoContext(ctx, "Definition created",
		"definition_id", def.ID,
		"name", def.Name,
		"warnings", len(warnings),
	)

	return def, warnings, nil
}

// Get loads a definition, re-rendering its text form if graph edits left it
// stale.
func (s *Definition) Get(ctx context.Context, definitionID string) (*models.Definition, error) {
	def, err := s.definitions.GetByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	if def.Dirty {
		if err := compiler.Refresh(def); err != nil {
			return nil, fmt.Errorf("failed to refresh definition text: %w", err)
		}

		if err := s.definitions.Save(ctx, def); err != nil {
			return nil, err
		}
	}

	return def, nil
}

// List returns all stored definitions.
func (s *Definition) List(ctx context.Context) ([]*models.Definition, error) {
	return s.definitions.Definitions(ctx)
}

// Update recompiles the definition from new text, keeping its identity.
func (s *Definition) Update(ctx context.Context, definitionID, text string) (*models.Definition, []string, error) {
	existing, err := s.definitions.GetByID(ctx, definitionID)
	if err != nil {
		return nil, nil, err
	}

	def, warnings, err := compiler.Compile(text)
	if err != nil {
		return nil, nil, err
	}

	def.ID = existing.ID
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now().UTC()

	if err := s.definitions.Save(ctx, def); err != nil {
		return nil, nil, err
	}

	return def, warnings, nil
}

// Validate checks definition text without storing anything.
func (s *Definition) Validate(ctx context.Context, text string) ([]string, error) {
	_, warnings, err := compiler.Compile(text)

	return warnings, err
}

// Delete removes a definition.
func (s *Definition) Delete(ctx context.Context, definitionID string) error {
	return s.definitions.Delete(ctx, definitionID)
}
