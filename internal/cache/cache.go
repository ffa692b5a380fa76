package cache

import (
	"context"
	"time"

	"github.com/saitama45/david-sub002/internal/domain"
)

// MasterDataCache sits between the resolver and the repository. Catalog
// entries, recipe lines and ingredient masters are immutable within a
// run and change rarely between runs, so cache hits are always safe to
// serve. A miss or a cache error falls through to the repository.
type MasterDataCache interface {
	GetCatalogEntry(ctx context.Context, itemCode string) (*domain.CatalogEntry, bool, error)
	SetCatalogEntry(ctx context.Context, itemCode string, entry *domain.CatalogEntry, ttl time.Duration) error
	GetRecipeLines(ctx context.Context, itemCode string) ([]domain.RecipeLine, bool, error)
	SetRecipeLines(ctx context.Context, itemCode string, lines []domain.RecipeLine, ttl time.Duration) error
	GetIngredient(ctx context.Context, code string, uom string) (*domain.IngredientMaster, bool, error)
	SetIngredient(ctx context.Context, code string, uom string, ing *domain.IngredientMaster, ttl time.Duration) error
}

type NoopMasterDataCache struct{}

func (NoopMasterDataCache) GetCatalogEntry(_ context.Context, _ string) (*domain.CatalogEntry, bool, error) {
	return nil, false, nil
}

func (NoopMasterDataCache) SetCatalogEntry(_ context.Context, _ string, _ *domain.CatalogEntry, _ time.Duration) error {
	return nil
}

func (NoopMasterDataCache) GetRecipeLines(_ context.Context, _ string) ([]domain.RecipeLine, bool, error) {
	return nil, false, nil
}

func (NoopMasterDataCache) SetRecipeLines(_ context.Context, _ string, _ []domain.RecipeLine, _ time.Duration) error {
	return nil
}

func (NoopMasterDataCache) GetIngredient(_ context.Context, _ string, _ string) (*domain.IngredientMaster, bool, error) {
	return nil, false, nil
}

func (NoopMasterDataCache) SetIngredient(_ context.Context, _ string, _ string, _ *domain.IngredientMaster, _ time.Duration) error {
	return nil
}
