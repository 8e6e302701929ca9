// Package labelapi serves the per-user custom label resources over a small
// authenticated JSON API.
package labelapi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const maxNameLength = 50

var (
	// ErrInvalidLabel is returned for labels that fail validation.
	ErrInvalidLabel = errors.New("labelapi: invalid label")
	// ErrLabelNotFound is returned when the label does not exist for the user.
	ErrLabelNotFound = errors.New("labelapi: label not found")
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Label is a user defined tag that can be attached to projects.
type Label struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks name and color.
func (l Label) Validate() error {
	name := strings.TrimSpace(l.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidLabel)
	}
	if len([]rune(name)) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidLabel, maxNameLength)
	}
	if !colorPattern.MatchString(l.Color) {
		return fmt.Errorf("%w: color must be a #rrggbb hex value", ErrInvalidLabel)
	}
	return nil
}

// Repository persists labels per user.
type Repository interface {
	List(ctx context.Context, userID string) ([]Label, error)
	Create(ctx context.Context, label Label) error
	Delete(ctx context.Context, userID, id string) error
}
