package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/engine"
	"github.com/dynofield/api/internal/repositories/memory"
)

const listingMarkup = `<svg xmlns="http://www.w3.org/2000/svg"><text id="dyno.price"><tspan>0</tspan></text><text>Call {{dyno.phone}}</text></svg>`

func newTestTemplateService(t *testing.T, deps TemplateServiceDeps) (TemplateService, *memory.TemplateRepository) {
	t.Helper()
	repo := memory.NewTemplateRepository()
	if deps.Templates == nil {
		deps.Templates = repo
	}
	if deps.Engine == nil {
		deps.Engine = engine.New()
	}
	svc, err := NewTemplateService(deps)
	require.NoError(t, err)
	return svc, repo
}

func TestTemplateServiceUploadExtractsFields(t *testing.T) {
	svc, _ := newTestTemplateService(t, TemplateServiceDeps{})
	ctx := context.Background()

	tmpl, err := svc.UploadTemplate(ctx, UploadTemplateCommand{ID: "listing", Name: " Listing ", RawMarkup: listingMarkup})
	require.NoError(t, err)
	require.Equal(t, "Listing", tmpl.Name)
	require.Equal(t, []string{"dyno.price", "dyno.phone"}, tmpl.DeclaredFields)
	require.False(t, tmpl.CreatedAt.IsZero())

	got, err := svc.GetTemplate(ctx, "listing")
	require.NoError(t, err)
	require.Equal(t, tmpl.RawMarkup, got.RawMarkup)
}

func TestTemplateServiceUploadRepairsMarkup(t *testing.T) {
	svc, _ := newTestTemplateService(t, TemplateServiceDeps{})
	tmpl, err := svc.UploadTemplate(context.Background(), UploadTemplateCommand{
		ID:        "broken",
		RawMarkup: `<svg><text id="dyno.name">A & B</text><image href="a.png"></svg>`,
	})
	require.NoError(t, err)
	require.Contains(t, tmpl.RawMarkup, "A &amp; B")
	require.Equal(t, "broken", tmpl.Name)
}

func TestTemplateServiceUploadGeneratesID(t *testing.T) {
	svc, _ := newTestTemplateService(t, TemplateServiceDeps{IDGenerator: sequentialIDs("tmpl-")})
	tmpl, err := svc.UploadTemplate(context.Background(), UploadTemplateCommand{RawMarkup: listingMarkup})
	require.NoError(t, err)
	require.Equal(t, "tmpl-001", tmpl.ID)
}

func TestTemplateServiceUploadRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestTemplateService(t, TemplateServiceDeps{})
	ctx := context.Background()

	_, err := svc.UploadTemplate(ctx, UploadTemplateCommand{ID: "a/b", RawMarkup: listingMarkup})
	require.ErrorIs(t, err, ErrTemplateInvalidInput)

	_, err = svc.UploadTemplate(ctx, UploadTemplateCommand{ID: "x..y", RawMarkup: listingMarkup})
	require.ErrorIs(t, err, ErrTemplateInvalidInput)

	_, err = svc.UploadTemplate(ctx, UploadTemplateCommand{ID: "empty", RawMarkup: "  "})
	require.ErrorIs(t, err, ErrTemplateInvalidInput)

	_, err = svc.UploadTemplate(ctx, UploadTemplateCommand{ID: "text", RawMarkup: "just text"})
	require.ErrorIs(t, err, ErrTemplateMalformed)
}

func TestTemplateServiceNotFound(t *testing.T) {
	svc, _ := newTestTemplateService(t, TemplateServiceDeps{})
	_, err := svc.GetTemplate(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTemplateNotFound)

	err = svc.DeleteTemplate(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestTemplateServiceListReturnsSummaries(t *testing.T) {
	svc, _ := newTestTemplateService(t, TemplateServiceDeps{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := svc.UploadTemplate(ctx, UploadTemplateCommand{ID: id, RawMarkup: listingMarkup})
		require.NoError(t, err)
	}

	page, err := svc.ListTemplates(ctx, TemplateFilter{Pagination: Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextPageToken)
	require.Equal(t, []string{"dyno.price", "dyno.phone"}, page.Items[0].DeclaredFields)

	_, err = svc.ListTemplates(ctx, TemplateFilter{Pagination: Pagination{PageToken: "???"}})
	require.ErrorIs(t, err, ErrTemplateInvalidInput)
}

func TestTemplateServiceRenderPreviewStoresImage(t *testing.T) {
	uploader := newFakeUploader()
	svc, repo := newTestTemplateService(t, TemplateServiceDeps{Uploader: uploader, Bucket: "renders"})
	ctx := context.Background()
	_, err := svc.UploadTemplate(ctx, UploadTemplateCommand{ID: "listing", RawMarkup: listingMarkup})
	require.NoError(t, err)

	res, err := svc.RenderPreview(ctx, PreviewCommand{TemplateID: "listing", Width: 64, Height: 48})
	require.NoError(t, err)
	require.Equal(t, "png", res.Format)
	require.NotEmpty(t, res.Bytes)
	require.True(t, uploader.has("previews/templates/listing/preview.png"))

	stored, err := repo.Get(ctx, "listing")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.test/renders/previews/templates/listing/preview.png", stored.PreviewURL)
}

func TestTemplateServiceRenderPreviewIgnoresUploadFailure(t *testing.T) {
	uploader := newFakeUploader()
	uploader.err = errUploadFailed
	svc, _ := newTestTemplateService(t, TemplateServiceDeps{Uploader: uploader, Bucket: "renders"})
	ctx := context.Background()
	_, err := svc.UploadTemplate(ctx, UploadTemplateCommand{ID: "listing", RawMarkup: listingMarkup})
	require.NoError(t, err)

	res, err := svc.RenderPreview(ctx, PreviewCommand{TemplateID: "listing", Width: 32, Height: 32})
	require.NoError(t, err)
	require.NotEmpty(t, res.Bytes)
}

func TestTemplateServiceRenderPreviewRejectsOversize(t *testing.T) {
	svc, repo := newTestTemplateService(t, TemplateServiceDeps{})
	_, err := repo.Save(context.Background(), domain.Template{ID: "t", RawMarkup: listingMarkup})
	require.NoError(t, err)

	_, err = svc.RenderPreview(context.Background(), PreviewCommand{TemplateID: "t", Width: 10000})
	require.True(t, errors.Is(err, ErrGenerationInvalidInput))
}

func TestNewTemplateServiceRequiresDependencies(t *testing.T) {
	_, err := NewTemplateService(TemplateServiceDeps{Engine: engine.New()})
	require.Error(t, err)
	_, err = NewTemplateService(TemplateServiceDeps{Templates: memory.NewTemplateRepository()})
	require.Error(t, err)
}
