// Package project persists saved block programs.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caffeineduck/blockrun/block"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound       = errors.New("project not found")
	ErrInvalidProject = errors.New("invalid project")
)

// Project is a named, serialized block forest.
type Project struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Forest    json.RawMessage `json:"forest"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Summary is the listing view of a project.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines project persistence. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create saves a new project and returns its generated id.
	Create(ctx context.Context, name string, forest []byte) (string, error)

	// Read returns a project. Returns ErrNotFound if it does not exist.
	Read(ctx context.Context, id string) (*Project, error)

	// Update replaces the name and forest of an existing project.
	Update(ctx context.Context, id, name string, forest []byte) error

	// List returns every project, most recently updated first.
	List(ctx context.Context) ([]Summary, error)

	// Delete removes a project. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, id string) error

	// Close releases any resources.
	Close() error
}

// validate rejects empty names and forests that would not load, so a stored
// project can always be opened and compiled.
func validate(name string, forest []byte) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProject)
	}
	if _, err := block.Load(forest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}
	return nil
}

func summarize(p *Project) Summary {
	return Summary{ID: p.ID, Name: p.Name, UpdatedAt: p.UpdatedAt}
}
