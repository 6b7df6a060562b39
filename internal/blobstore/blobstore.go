// Package blobstore abstracts the binary object store holding template
// sources, parsed structures and rendered outputs.
package blobstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Store is a key/value blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// TemplateSourceKey names the uploaded template binary.
func TemplateSourceKey(templateID uuid.UUID, version int) string {
	return fmt.Sprintf("templates/%s/%d/source.docx", templateID, version)
}

// TemplateParsedKey names the parsed template structure.
func TemplateParsedKey(templateID uuid.UUID, version int) string {
	return fmt.Sprintf("templates/%s/%d/parsed.json", templateID, version)
}

// DocumentOutputKey names the rendered output binary.
func DocumentOutputKey(documentID uuid.UUID, version int) string {
	return fmt.Sprintf("documents/%s/%d/output.docx", documentID, version)
}
