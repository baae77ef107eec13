package position

import (
	"context"
	"sort"
	"sync"

	"alphafarm/internal/config"
)

type entry struct {
	state *State
	owner chan struct{}
}

// Book 按交易对保存仓位。每个交易对同一时刻只允许一个周期持有写权限。
type Book struct {
	mu      sync.Mutex
	entries map[string]*entry
	assets  map[string]config.InstrumentConfig
	quote   string
}

// NewBook 创建仓位簿，instruments 用于补全展示名与钱包资产名。
func NewBook(instruments []config.InstrumentConfig, quoteAsset string) *Book {
	assets := make(map[string]config.InstrumentConfig, len(instruments))
	for _, inst := range instruments {
		assets[inst.Symbol] = inst
	}
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	return &Book{
		entries: make(map[string]*entry),
		assets:  assets,
		quote:   quoteAsset,
	}
}

func (b *Book) entryFor(symbol string) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[symbol]; ok {
		return e
	}

	inst := b.assets[symbol]
	asset := inst.WalletAsset
	if asset == "" {
		asset = trimQuote(symbol, b.quote)
	}
	e := &entry{
		state: NewState(symbol, inst.DisplayName, asset),
		owner: make(chan struct{}, 1),
	}
	b.entries[symbol] = e
	return e
}

// Acquire 获取交易对的写权限，返回的 release 必须调用一次。
func (b *Book) Acquire(ctx context.Context, symbol string) (*State, func(), error) {
	e := b.entryFor(symbol)
	select {
	case e.owner <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-e.owner })
	}
	return e.state, release, nil
}

// State 返回交易对的仓位，仅用于只读访问。
func (b *Book) State(symbol string) *State {
	return b.entryFor(symbol).state
}

// Snapshots 返回全部仓位摘要，按交易对排序。
func (b *Book) Snapshots() []Snapshot {
	b.mu.Lock()
	states := make([]*State, 0, len(b.entries))
	for _, e := range b.entries {
		states = append(states, e.state)
	}
	b.mu.Unlock()

	out := make([]Snapshot, 0, len(states))
	for _, s := range states {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func trimQuote(symbol, quote string) string {
	if len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
		return symbol[:len(symbol)-len(quote)]
	}
	return symbol
}
