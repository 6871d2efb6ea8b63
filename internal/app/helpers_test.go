package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response of %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, payload
}

// signUp registers an account and returns its access and refresh tokens.
func signUp(t *testing.T, handler http.Handler, email, password string) (string, string) {
	t.Helper()
	rr, payload := doJSON(t, handler, http.MethodPost, "/api/auth/signup", "",
		`{"email":"`+email+`","password":"`+password+`","displayName":"Ада"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := payload["accessToken"].(string)
	refresh, _ := payload["refreshToken"].(string)
	if token == "" || refresh == "" {
		t.Fatalf("signup: expected both tokens, got %v", payload)
	}
	return token, refresh
}
