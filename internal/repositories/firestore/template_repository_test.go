package firestore

import (
	"testing"
	"time"

	domain "github.com/dynofield/api/internal/domain"
	pfirestore "github.com/dynofield/api/internal/platform/firestore"
)

func TestEncodeDecodeTemplateDocument(t *testing.T) {
	created := time.Date(2024, 2, 1, 10, 0, 0, 0, time.FixedZone("JST", 9*3600))
	updated := created.Add(time.Hour)
	tmpl := domain.Template{ID: "t1", Name: "  Listing ", RawMarkup: "<svg/>", DeclaredFields: []string{"dyno.price"}}

	doc := encodeTemplateDocument(tmpl, created, updated)
	if doc.Name != "Listing" || doc.CreatedAt.Location() != time.UTC {
		t.Fatalf("unexpected document %+v", doc)
	}
	tmpl.DeclaredFields[0] = "mutated"
	if doc.DeclaredFields[0] != "dyno.price" {
		t.Fatalf("expected declared fields copied")
	}

	got := decodeTemplateDocument(pfirestore.Document[templateDocument]{ID: "t1", Data: doc})
	if got.ID != "t1" || !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(updated) {
		t.Fatalf("unexpected template %+v", got)
	}
}

func TestDecodeTemplateDocumentFallsBackToSnapshotTimes(t *testing.T) {
	createTime := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	got := decodeTemplateDocument(pfirestore.Document[templateDocument]{
		ID:         "t2",
		CreateTime: createTime,
		UpdateTime: createTime.Add(time.Minute),
	})
	if !got.CreatedAt.Equal(createTime) || !got.UpdatedAt.Equal(createTime.Add(time.Minute)) {
		t.Fatalf("expected snapshot times, got %+v", got)
	}
}

func TestNewTemplateRepositoryRequiresProvider(t *testing.T) {
	if _, err := NewTemplateRepository(nil, ""); err == nil {
		t.Fatal("expected error without provider")
	}
}
