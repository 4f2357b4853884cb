package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func fakeGoTrue(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "anon" {
			t.Errorf("missing apikey header")
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(User{ID: "u-1", Email: "p1@example.com"})
	})
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "password" {
			t.Errorf("grant_type=%q", r.URL.Query().Get("grant_type"))
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["password"] != "hunter2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Session{AccessToken: "good", User: User{ID: "u-1", Email: in["email"]}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyAccessToken(t *testing.T) {
	c := NewSupabaseClient(fakeGoTrue(t).URL, "anon")

	u, err := c.VerifyAccessToken(context.Background(), "good")
	if err != nil || u.ID != "u-1" {
		t.Fatalf("verify good token: %+v %v", u, err)
	}
	for _, tok := range []string{"bad", " "} {
		if _, err := c.VerifyAccessToken(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("token %q err=%v want ErrUnauthorized", tok, err)
		}
	}
}

func TestLogin(t *testing.T) {
	c := NewSupabaseClient(fakeGoTrue(t).URL+"/", "anon")

	s, err := c.Login(context.Background(), "p1@example.com", "hunter2")
	if err != nil || s.AccessToken != "good" || s.User.Email != "p1@example.com" {
		t.Fatalf("login: %+v %v", s, err)
	}
	if _, err := c.Login(context.Background(), "p1@example.com", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad password err=%v", err)
	}
}
