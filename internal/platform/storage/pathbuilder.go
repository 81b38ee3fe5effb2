package storage

import (
	"fmt"
	"strings"
	"sync"
)

// ObjectPurpose selects the layout used for a stored object.
type ObjectPurpose string

const (
	PurposeRender          ObjectPurpose = "render"
	PurposeTemplatePreview ObjectPurpose = "template-preview"
)

// PathParams provide the identifiers composed into object keys.
type PathParams struct {
	TemplateID string
	RenderID   string
	FileName   string
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[ObjectPurpose]PathBuilder{
		PurposeRender:          buildRenderPath,
		PurposeTemplatePreview: buildTemplatePreviewPath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose ObjectPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose ObjectPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported object purpose %q", purpose)
	}
	return builder(params)
}

// renders/{templateID}/{renderID}/{file}
func buildRenderPath(params PathParams) (string, error) {
	templateID, err := validateSegment("templateID", params.TemplateID)
	if err != nil {
		return "", err
	}
	renderID, err := validateSegment("renderID", params.RenderID)
	if err != nil {
		return "", err
	}
	fileName, err := validateSegment("fileName", params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("renders/%s/%s/%s", templateID, renderID, fileName), nil
}

// previews/templates/{templateID}/{file}
func buildTemplatePreviewPath(params PathParams) (string, error) {
	templateID, err := validateSegment("templateID", params.TemplateID)
	if err != nil {
		return "", err
	}
	fileName, err := validateSegment("fileName", params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("previews/templates/%s/%s", templateID, fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
