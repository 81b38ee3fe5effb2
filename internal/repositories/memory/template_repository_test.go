package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	domain "github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/repositories"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestTemplateRepositorySavePreservesCreatedAt(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo := NewTemplateRepository(WithClock(clock.Now))
	ctx := context.Background()

	first, err := repo.Save(ctx, domain.Template{ID: "t1", Name: "Listing", DeclaredFields: []string{"dyno.price"}})
	require.NoError(t, err)
	second, err := repo.Save(ctx, domain.Template{ID: "t1", Name: "Listing v2"})
	require.NoError(t, err)

	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.True(t, second.UpdatedAt.After(first.UpdatedAt))

	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "Listing v2", got.Name)
}

func TestTemplateRepositoryGetReturnsCopy(t *testing.T) {
	repo := NewTemplateRepository()
	ctx := context.Background()
	_, err := repo.Save(ctx, domain.Template{ID: "t1", DeclaredFields: []string{"dyno.a"}})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	got.DeclaredFields[0] = "mutated"

	again, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"dyno.a"}, again.DeclaredFields)
}

func TestTemplateRepositoryNotFound(t *testing.T) {
	repo := NewTemplateRepository()
	_, err := repo.Get(context.Background(), "missing")
	require.True(t, repositories.IsNotFound(err))

	err = repo.Delete(context.Background(), "missing")
	require.True(t, repositories.IsNotFound(err))
}

func TestTemplateRepositoryListPaginates(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo := NewTemplateRepository(WithClock(clock.Now))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := repo.Save(ctx, domain.Template{ID: id})
		require.NoError(t, err)
	}

	var seen []string
	token := ""
	for pages := 0; pages < 5; pages++ {
		page, err := repo.List(ctx, repositories.TemplateListFilter{
			Pagination: domain.Pagination{PageSize: 2, PageToken: token},
		})
		require.NoError(t, err)
		for _, item := range page.Items {
			seen = append(seen, item.ID)
		}
		token = page.NextPageToken
		if token == "" {
			break
		}
	}
	if diff := cmp.Diff([]string{"e", "d", "c", "b", "a"}, seen); diff != "" {
		t.Fatalf("listing mismatch (-want +got):\n%s", diff)
	}
}

func TestTemplateRepositoryListRejectsBadToken(t *testing.T) {
	repo := NewTemplateRepository()
	_, err := repo.List(context.Background(), repositories.TemplateListFilter{
		Pagination: domain.Pagination{PageToken: "%%%"},
	})
	require.Error(t, err)
}
