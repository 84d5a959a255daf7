package repository

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/pantrypilot/internal/gateway/supabase"
	"github.com/hitoshi/pantrypilot/internal/model"
)

func newPostgRESTRepo(t *testing.T, handler http.HandlerFunc) *PostgRESTProfileRepo {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client, err := supabase.New(supabase.Config{URL: ts.URL, AnonKey: "anon"})
	if err != nil {
		t.Fatalf("supabase.New() error = %v", err)
	}
	return NewPostgRESTProfileRepo(client)
}

func TestPostgRESTProfileRepo_FindByID_UsesUserToken(t *testing.T) {
	repo := newPostgRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/profiles" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "eq.user-1" {
			t.Errorf("id filter = %q, want eq.user-1", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("Authorization = %q", got)
		}
		io.WriteString(w, `[{"id":"user-1","email":"cook@example.com","tier":"pro","monthly_recipe_count":7,"preferences":{"units":"imperial"},"created_at":"2026-01-02T03:04:05.123456+00:00"}]`)
	})

	ctx := supabase.WithAccessToken(context.Background(), "user-token")
	p, err := repo.FindByID(ctx, "user-1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if p == nil {
		t.Fatal("expected profile")
	}
	if p.Tier != model.TierPro || p.MonthlyRecipeCount != 7 {
		t.Errorf("unexpected profile %+v", p)
	}
	if p.Preferences.Units != "imperial" {
		t.Errorf("Preferences.Units = %q", p.Preferences.Units)
	}
}

func TestPostgRESTProfileRepo_FindByID_EmptyResult(t *testing.T) {
	repo := newPostgRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	})

	p, err := repo.FindByID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if p != nil {
		t.Errorf("expected nil, got %+v", p)
	}
}

func TestPostgRESTProfileRepo_Upsert_SendsDefaults(t *testing.T) {
	repo := newPostgRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.URL.Query().Get("on_conflict"); got != "id" {
			t.Errorf("on_conflict = %q", got)
		}
		var row map[string]any
		json.NewDecoder(r.Body).Decode(&row)
		if row["tier"] != "free" {
			t.Errorf("tier = %v", row["tier"])
		}
		if row["monthly_recipe_count"] != float64(0) {
			t.Errorf("monthly_recipe_count = %v", row["monthly_recipe_count"])
		}
		if _, ok := row["created_at"]; ok {
			t.Error("created_at must be left to the database")
		}
		w.WriteHeader(http.StatusCreated)
	})

	p := model.NewDefaultProfile("user-1", "cook@example.com", time.Now())
	if err := repo.Upsert(context.Background(), p); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func TestPostgRESTProfileRepo_IncrementRecipeCount(t *testing.T) {
	repo := newPostgRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/rpc/increment_recipe_count" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var params map[string]string
		json.NewDecoder(r.Body).Decode(&params)
		if params["p_user_id"] != "user-1" {
			t.Errorf("p_user_id = %q", params["p_user_id"])
		}
		io.WriteString(w, `2`)
	})

	got, err := repo.IncrementRecipeCount(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("IncrementRecipeCount() error = %v", err)
	}
	if got != 2 {
		t.Errorf("IncrementRecipeCount() = %d, want 2", got)
	}
}

func TestPostgRESTProfileRepo_IncrementRecipeCount_NullResult(t *testing.T) {
	repo := newPostgRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `null`)
	})

	_, err := repo.IncrementRecipeCount(context.Background(), "user-1")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestPostgRESTProfileRepo_GatewayError_Propagates(t *testing.T) {
	repo := newPostgRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"message":"JWT expired","code":"PGRST301"}`)
	})

	_, err := repo.FindByID(context.Background(), "user-1")
	if !supabase.IsStatus(err, http.StatusUnauthorized) {
		t.Errorf("expected 401 gateway error, got %v", err)
	}
}
