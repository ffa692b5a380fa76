package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/saitama45/david-sub002/internal/domain"
)

type RedisMasterDataCache struct {
	client *redis.Client
}

func NewRedisMasterDataCache(addr string, password string, db int) *RedisMasterDataCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisMasterDataCache{client: client}
}

func (c *RedisMasterDataCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisMasterDataCache) Close() error {
	return c.client.Close()
}

func catalogKey(itemCode string) string {
	return "masterdata:catalog:" + itemCode
}

func recipeKey(itemCode string) string {
	return "masterdata:recipe:" + itemCode
}

func ingredientKey(code string, uom string) string {
	return "masterdata:ingredient:" + code + ":" + strings.ToUpper(uom)
}

func (c *RedisMasterDataCache) GetCatalogEntry(ctx context.Context, itemCode string) (*domain.CatalogEntry, bool, error) {
	var entry domain.CatalogEntry
	found, err := c.get(ctx, catalogKey(itemCode), &entry)
	if !found || err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

func (c *RedisMasterDataCache) SetCatalogEntry(ctx context.Context, itemCode string, entry *domain.CatalogEntry, ttl time.Duration) error {
	if entry == nil {
		return nil
	}
	return c.set(ctx, catalogKey(itemCode), entry, ttl)
}

func (c *RedisMasterDataCache) GetRecipeLines(ctx context.Context, itemCode string) ([]domain.RecipeLine, bool, error) {
	var lines []domain.RecipeLine
	found, err := c.get(ctx, recipeKey(itemCode), &lines)
	if !found || err != nil {
		return nil, false, err
	}
	return lines, true, nil
}

func (c *RedisMasterDataCache) SetRecipeLines(ctx context.Context, itemCode string, lines []domain.RecipeLine, ttl time.Duration) error {
	if lines == nil {
		lines = []domain.RecipeLine{}
	}
	return c.set(ctx, recipeKey(itemCode), lines, ttl)
}

func (c *RedisMasterDataCache) GetIngredient(ctx context.Context, code string, uom string) (*domain.IngredientMaster, bool, error) {
	var ing domain.IngredientMaster
	found, err := c.get(ctx, ingredientKey(code, uom), &ing)
	if !found || err != nil {
		return nil, false, err
	}
	return &ing, true, nil
}

func (c *RedisMasterDataCache) SetIngredient(ctx context.Context, code string, uom string, ing *domain.IngredientMaster, ttl time.Duration) error {
	if ing == nil {
		return nil
	}
	return c.set(ctx, ingredientKey(code, uom), ing, ttl)
}

func (c *RedisMasterDataCache) get(ctx context.Context, key string, dest any) (bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisMasterDataCache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
