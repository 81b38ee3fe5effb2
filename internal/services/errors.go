package services

import (
	"errors"
	"fmt"

	"github.com/dynofield/api/internal/repositories"
)

var (
	// ErrTemplateInvalidInput indicates the caller provided invalid arguments.
	ErrTemplateInvalidInput = errors.New("template: invalid input")
	// ErrTemplateNotFound indicates the requested template does not exist.
	ErrTemplateNotFound = errors.New("template: not found")
	// ErrTemplateMalformed indicates the template markup cannot be repaired.
	ErrTemplateMalformed = errors.New("template: malformed markup")
	// ErrTemplateRepositoryUnavailable signals that persistence dependencies are unavailable.
	ErrTemplateRepositoryUnavailable = errors.New("template: repository unavailable")
	// ErrGenerationInvalidInput indicates a generation request failed validation.
	ErrGenerationInvalidInput = errors.New("generation: invalid input")
	// ErrRenderUnavailable indicates every render backend, including the fallback, failed.
	ErrRenderUnavailable = errors.New("generation: render unavailable")
)

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrTemplateNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrTemplateRepositoryUnavailable, err)
		}
	}
	return err
}
