package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/hitoshi/memberclub/internal/model"
)

// MetadataFetcher はメタデータ取得に必要なインターフェース。
// Ledgerの部分集合として定義する。
type MetadataFetcher interface {
	Metadata(ctx context.Context) (*TokenMetadataResult, error)
}

// MetadataCache はトークンメタデータのリードスルーキャッシュ。
// 最初のアクセスでレジャーに1回だけ問い合わせ、以降はキャッシュ値を返す。
// トークンのdecimals/symbolはプロセス生存期間中の定数として扱うため、無効化経路は存在しない。
// 残高のような可変値にこのキャッシュを使ってはならない。
type MetadataCache struct {
	fetcher MetadataFetcher

	mu     sync.Mutex
	cached *model.TokenMetadata
}

// NewMetadataCache はMetadataCacheを生成する。
func NewMetadataCache(fetcher MetadataFetcher) *MetadataCache {
	return &MetadataCache{fetcher: fetcher}
}

// Get はトークンメタデータを返す。未取得の場合はレジャーに問い合わせる。
// 取得中のロックにより、並行する初回アクセスは1回のレジャー呼び出しに集約される。
// 取得失敗時はキャッシュされず、次回呼び出しで再試行される。
func (c *MetadataCache) Get(ctx context.Context) (*model.TokenMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil {
		return c.cached, nil
	}

	result, err := c.fetcher.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token metadata: %w", err)
	}

	md := &model.TokenMetadata{
		Symbol:   result.Symbol,
		Decimals: result.Decimals,
	}
	if !md.ValidDecimals() {
		return nil, fmt.Errorf("ledger reported out-of-range decimals: %d", md.Decimals)
	}

	c.cached = md
	return c.cached, nil
}

// Loaded はメタデータが取得済みかを返す。
// アップグレードの前提条件チェック（MetadataUnavailable）に使用する。
func (c *MetadataCache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached != nil
}
