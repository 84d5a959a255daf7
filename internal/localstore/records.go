package localstore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hitoshi/pantrypilot/internal/model"
)

const (
	keySession      = "auth.session"
	keyProfile      = "auth.profile"
	keyPKCEVerifier = "auth.pkce_verifier"
	keyEntitlements = "subscription.entitlements"
	keyHistory      = "recipe.input_history"
	keyPantry       = "pantry.items"
	keyGrocery      = "grocery.items"
)

type sessionRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
}

// SaveSession はセッションを保存する。nilの場合は削除する。
func (s *Store) SaveSession(ctx context.Context, session *model.Session) error {
	if session == nil {
		return s.deleteKeys(ctx, keySession)
	}
	return s.putJSON(ctx, keySession, sessionRecord{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		TokenType:    session.TokenType,
		ExpiresAt:    session.ExpiresAt,
		UserID:       session.User.ID,
		Email:        session.User.Email,
	})
}

// LoadSession は保存済みのセッションを返す。未保存の場合はnilを返す。
func (s *Store) LoadSession(ctx context.Context) (*model.Session, error) {
	var rec sessionRecord
	found, err := s.getJSON(ctx, keySession, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &model.Session{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		ExpiresAt:    rec.ExpiresAt,
		User:         model.User{ID: rec.UserID, Email: rec.Email},
	}, nil
}

// SaveProfile は最後に取得したProfileをキャッシュする。
func (s *Store) SaveProfile(ctx context.Context, profile *model.Profile) error {
	if profile == nil {
		return s.deleteKeys(ctx, keyProfile)
	}
	return s.putJSON(ctx, keyProfile, profile)
}

// LoadProfile はキャッシュ済みのProfileを返す。
func (s *Store) LoadProfile(ctx context.Context) (*model.Profile, error) {
	var p model.Profile
	found, err := s.getJSON(ctx, keyProfile, &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

// ClearAuth はセッション、Profile、PKCE検証子をまとめて削除する。
func (s *Store) ClearAuth(ctx context.Context) error {
	return s.deleteKeys(ctx, keySession, keyProfile, keyPKCEVerifier)
}

// SavePKCEVerifier はOAuthフロー中のcode_verifierを保存する。
func (s *Store) SavePKCEVerifier(ctx context.Context, verifier string) error {
	return s.putJSON(ctx, keyPKCEVerifier, verifier)
}

// TakePKCEVerifier は保存済みのcode_verifierを取り出して削除する。
// 認可コードは1回しか交換できないため、検証子も1回限りとする。
func (s *Store) TakePKCEVerifier(ctx context.Context) (string, error) {
	var verifier string
	found, err := s.getJSON(ctx, keyPKCEVerifier, &verifier)
	if err != nil || !found {
		return "", err
	}
	if err := s.deleteKeys(ctx, keyPKCEVerifier); err != nil {
		return "", err
	}
	return verifier, nil
}

// CachedEntitlements はエンタイトルメントのキャッシュ。
type CachedEntitlements struct {
	AppUserID string               `json:"app_user_id"`
	Set       model.EntitlementSet `json:"set"`
	FetchedAt time.Time            `json:"fetched_at"`
}

// SaveEntitlements はエンタイトルメントをキャッシュする。
func (s *Store) SaveEntitlements(ctx context.Context, c CachedEntitlements) error {
	return s.putJSON(ctx, keyEntitlements, c)
}

// LoadEntitlements はキャッシュ済みのエンタイトルメントを返す。
func (s *Store) LoadEntitlements(ctx context.Context) (*CachedEntitlements, error) {
	var c CachedEntitlements
	found, err := s.getJSON(ctx, keyEntitlements, &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

// SaveHistory は入力履歴を保存する。
func (s *Store) SaveHistory(ctx context.Context, history []string) error {
	return s.putJSON(ctx, keyHistory, history)
}

// LoadHistory は入力履歴を返す。
func (s *Store) LoadHistory(ctx context.Context) ([]string, error) {
	var history []string
	if _, err := s.getJSON(ctx, keyHistory, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// SavePantry はパントリー在庫を保存する。
func (s *Store) SavePantry(ctx context.Context, items []model.PantryItem) error {
	return s.putJSON(ctx, keyPantry, items)
}

// LoadPantry はパントリー在庫を返す。未保存の場合は空のスライスを返す。
func (s *Store) LoadPantry(ctx context.Context) ([]model.PantryItem, error) {
	items := []model.PantryItem{}
	if _, err := s.getJSON(ctx, keyPantry, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SaveGroceryList は買い物リストを保存する。
func (s *Store) SaveGroceryList(ctx context.Context, items []model.GroceryItem) error {
	return s.putJSON(ctx, keyGrocery, items)
}

// LoadGroceryList は買い物リストを返す。未保存の場合は空のスライスを返す。
func (s *Store) LoadGroceryList(ctx context.Context) ([]model.GroceryItem, error) {
	items := []model.GroceryItem{}
	if _, err := s.getJSON(ctx, keyGrocery, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// StoredReceipt は購入の復元に使うストアのレシート。
type StoredReceipt struct {
	FetchToken string
	AppUserID  string
	ProductID  string
	CreatedAt  time.Time
}

// SaveReceipt はレシートを保存する。同じトークンは上書きしない。
func (s *Store) SaveReceipt(ctx context.Context, r StoredReceipt) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("localstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO receipts (fetch_token, app_user_id, product_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(fetch_token) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{r.FetchToken, r.AppUserID, r.ProductID, createdAt.UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("localstore: save receipt: %w", err)
	}
	return nil
}

// ListReceipts はアプリユーザーのレシートを古い順に返す。
func (s *Store) ListReceipts(ctx context.Context, appUserID string) ([]StoredReceipt, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("localstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	var receipts []StoredReceipt
	err = sqlitex.Execute(conn,
		`SELECT fetch_token, app_user_id, product_id, created_at
		 FROM receipts WHERE app_user_id = ? ORDER BY created_at, fetch_token`,
		&sqlitex.ExecOptions{
			Args: []any{appUserID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				receipts = append(receipts, StoredReceipt{
					FetchToken: stmt.ColumnText(0),
					AppUserID:  stmt.ColumnText(1),
					ProductID:  stmt.ColumnText(2),
					CreatedAt:  time.UnixMilli(stmt.ColumnInt64(3)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("localstore: list receipts: %w", err)
	}
	return receipts, nil
}
