package templates

import "github.com/privatedb/agent/pkg/database"

// Default returns the canonical template set seeded by the migrations.
func Default() *Registry {
	return NewRegistry(
		walletBalances(),
		walletPositions(),
		walletTransactions(),
		accessLogInsert(),
	)
}

func walletBalances() *Template {
	return &Template{
		Name: "wallet_balances",
		Mode: database.ModeRead,
		Params: []ParamSpec{
			{Name: "walletAddress", Kind: KindAddress, Required: true},
			{Name: "chainId", Kind: KindInteger, Required: true, Min: 1, Max: 1_000_000_000},
			{Name: "limit", Kind: KindInteger, Min: 1, Max: 500, Default: int64(25)},
		},
		SQL: map[string]string{
			"sqlite": `SELECT wallet_address, chain_id, asset, amount, updated_at
				FROM wallet_balances WHERE wallet_address = ? AND chain_id = ?
				ORDER BY asset LIMIT ?`,
			"postgres": `SELECT wallet_address, chain_id, asset, amount, updated_at
				FROM wallet_balances WHERE wallet_address = $1 AND chain_id = $2
				ORDER BY asset LIMIT $3`,
		},
		Bind: func(p map[string]any) []any {
			return []any{p["walletAddress"], p["chainId"], p["limit"]}
		},
	}
}

func walletPositions() *Template {
	return &Template{
		Name: "wallet_positions",
		Mode: database.ModeRead,
		Params: []ParamSpec{
			{Name: "walletAddress", Kind: KindAddress, Required: true},
			{Name: "chainId", Kind: KindInteger, Required: true, Min: 1, Max: 1_000_000_000},
			{Name: "protocol", Kind: KindString, MinLen: 1, MaxLen: 64, Default: "%"},
			{Name: "limit", Kind: KindInteger, Min: 1, Max: 500, Default: int64(25)},
		},
		SQL: map[string]string{
			"sqlite": `SELECT wallet_address, chain_id, protocol, position, value_usd, updated_at
				FROM wallet_positions WHERE wallet_address = ? AND chain_id = ? AND protocol LIKE ?
				ORDER BY protocol, position LIMIT ?`,
			"postgres": `SELECT wallet_address, chain_id, protocol, position, value_usd, updated_at
				FROM wallet_positions WHERE wallet_address = $1 AND chain_id = $2 AND protocol LIKE $3
				ORDER BY protocol, position LIMIT $4`,
		},
		Bind: func(p map[string]any) []any {
			return []any{p["walletAddress"], p["chainId"], p["protocol"], p["limit"]}
		},
	}
}

func walletTransactions() *Template {
	return &Template{
		Name: "wallet_transactions",
		Mode: database.ModeRead,
		Params: []ParamSpec{
			{Name: "walletAddress", Kind: KindAddress, Required: true},
			{Name: "chainId", Kind: KindInteger, Required: true, Min: 1, Max: 1_000_000_000},
			{Name: "direction", Kind: KindEnum, Enum: []string{"in", "out", "any"}, Default: "any"},
			{Name: "since", Kind: KindISODate, Default: "1970-01-01T00:00:00Z"},
			{Name: "limit", Kind: KindInteger, Min: 1, Max: 500, Default: int64(25)},
		},
		SQL: map[string]string{
			"sqlite": `SELECT tx_hash, wallet_address, chain_id, direction, asset, amount, block_time
				FROM wallet_transactions
				WHERE wallet_address = ? AND chain_id = ?
				  AND (? = 'any' OR direction = ?)
				  AND block_time >= ?
				ORDER BY block_time DESC LIMIT ?`,
			"postgres": `SELECT tx_hash, wallet_address, chain_id, direction, asset, amount, block_time
				FROM wallet_transactions
				WHERE wallet_address = $1 AND chain_id = $2
				  AND ($3 = 'any' OR direction = $4)
				  AND block_time >= $5
				ORDER BY block_time DESC LIMIT $6`,
		},
		Bind: func(p map[string]any) []any {
			return []any{p["walletAddress"], p["chainId"], p["direction"], p["direction"], p["since"], p["limit"]}
		},
	}
}

func accessLogInsert() *Template {
	return &Template{
		Name: "access_log_insert",
		Mode: database.ModeWrite,
		Params: []ParamSpec{
			{Name: "walletAddress", Kind: KindAddress, Required: true},
			{Name: "action", Kind: KindEnum, Required: true, Enum: []string{"read", "write", "export", "login"}},
			{Name: "detail", Kind: KindString, MinLen: 0, MaxLen: 512, Default: ""},
			{Name: "occurredAt", Kind: KindISODate, Required: true},
		},
		SQL: map[string]string{
			"sqlite": `INSERT INTO access_log (wallet_address, action, detail, created_at)
				VALUES (?, ?, ?, ?)`,
			"postgres": `INSERT INTO access_log (wallet_address, action, detail, created_at)
				VALUES ($1, $2, $3, $4)`,
		},
		Bind: func(p map[string]any) []any {
			return []any{p["walletAddress"], p["action"], p["detail"], p["occurredAt"]}
		},
	}
}
