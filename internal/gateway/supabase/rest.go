package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// MaybeSingle はtableからfilterに一致する行を0件または1件取得する。
// 該当行がない場合はfalseを返し、エラーにはしない。
func (c *Client) MaybeSingle(ctx context.Context, table string, filter url.Values, dest any) (bool, error) {
	q := url.Values{"select": {"*"}, "limit": {"1"}}
	for k, v := range filter {
		q[k] = v
	}

	body, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/" + url.PathEscape(table),
		query:  q,
		token:  AccessTokenFromContext(ctx),
	})
	if err != nil {
		return false, fmt.Errorf("select %s: %w", table, err)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return false, fmt.Errorf("failed to decode %s rows: %w", table, err)
	}
	if len(rows) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(rows[0], dest); err != nil {
		return false, fmt.Errorf("failed to decode %s row: %w", table, err)
	}
	return true, nil
}

// Upsert はonConflict列で重複を解決しながら行を挿入する。
// 既存行がある場合は既存値を保持する（ignore-duplicates）。
func (c *Client) Upsert(ctx context.Context, table, onConflict string, row any) error {
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/" + url.PathEscape(table),
		query:  url.Values{"on_conflict": {onConflict}},
		body:   row,
		token:  AccessTokenFromContext(ctx),
		headers: map[string]string{
			"Prefer": "resolution=ignore-duplicates,return=minimal",
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

// RPC はストアドファンクションを呼び出し、結果をdestにデコードする。
// destがnilの場合は結果を捨てる。
func (c *Client) RPC(ctx context.Context, fn string, params, dest any) error {
	body, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/rpc/" + url.PathEscape(fn),
		body:   params,
		token:  AccessTokenFromContext(ctx),
	})
	if err != nil {
		return fmt.Errorf("rpc %s: %w", fn, err)
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to decode rpc %s result: %w", fn, err)
	}
	return nil
}
