package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"eventforms/api/internal/forms"
)

// fakeAPI is an in-memory stand-in for the Event Forms API covering the
// routes the console calls.
type fakeAPI struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	accessTTL     time.Duration
	passwords     map[string]string
	names         map[string]string
	access        map[string]string
	refresh       map[string]string
	forms         []forms.Form
	registrations []forms.Registration
	seq           int
	calls         map[string]int
	failIncrement bool
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		t:         t,
		accessTTL: time.Hour,
		passwords: map[string]string{"ada@example.com": "secret1"},
		names:     map[string]string{"ada@example.com": "Ada"},
		access:    map[string]string{},
		refresh:   map[string]string{},
		calls:     map[string]int{},
	}
	api.server = httptest.NewServer(http.HandlerFunc(api.handle))
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakeAPI) URL() string { return a.server.URL }

func (a *fakeAPI) seed(list []forms.Form, regs []forms.Registration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forms = list
	a.registrations = regs
}

func (a *fakeAPI) snapshot() ([]forms.Form, []forms.Registration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]forms.Form(nil), a.forms...), append([]forms.Registration(nil), a.registrations...)
}

func (a *fakeAPI) setAccessTTL(ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accessTTL = ttl
}

func (a *fakeAPI) setFailIncrement(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failIncrement = fail
}

func (a *fakeAPI) callCount(route string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[route]
}

// issueRefresh hands out a refresh token for email without going through
// sign-in.
func (a *fakeAPI) issueRefresh(email string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	token := fmt.Sprintf("rft-%d", a.seq)
	a.refresh[token] = email
	return token
}

func (a *fakeAPI) revokeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refresh = map[string]string{}
	a.access = map[string]string{}
}

func (a *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	route := r.Method + " " + r.URL.Path
	a.calls[route]++

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	str := func(key string) string {
		v, _ := body[key].(string)
		return v
	}

	switch {
	case route == "POST /api/auth/signin":
		email := str("email")
		if pw, ok := a.passwords[email]; !ok || pw != str("password") {
			writeTestError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS")
			return
		}
		a.writeSession(w, http.StatusOK, email)
	case route == "POST /api/auth/signup":
		email := str("email")
		if _, ok := a.passwords[email]; ok {
			writeTestError(w, http.StatusConflict, "EMAIL_EXISTS")
			return
		}
		a.passwords[email] = str("password")
		a.names[email] = str("displayName")
		a.writeSession(w, http.StatusCreated, email)
	case route == "POST /api/session/refresh":
		email, ok := a.refresh[str("refreshToken")]
		if !ok {
			writeTestError(w, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}
		delete(a.refresh, str("refreshToken"))
		a.writeSession(w, http.StatusOK, email)
	case route == "POST /api/session/logout":
		delete(a.refresh, str("refreshToken"))
		delete(a.access, bearer(r))
		writeTestJSON(w, http.StatusOK, map[string]any{"ok": true})
	case route == "POST /api/auth/reset-password/request":
		writeTestJSON(w, http.StatusOK, map[string]any{"message": "sent", "devResetToken": "reset-" + str("email")})
	case route == "POST /api/auth/reset-password":
		if !strings.HasPrefix(str("token"), "reset-") {
			writeTestError(w, http.StatusBadRequest, "RESET_FAILED")
			return
		}
		a.passwords[strings.TrimPrefix(str("token"), "reset-")] = str("newPassword")
		writeTestJSON(w, http.StatusOK, map[string]any{"message": "ok"})
	case route == "GET /api/ready":
		writeTestJSON(w, http.StatusOK, map[string]any{"ok": true})
	case strings.HasPrefix(r.URL.Path, "/api/public/"):
		a.handlePublic(w, r, strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/public/"), "/"), "/"), body)
	default:
		email, ok := a.access[bearer(r)]
		if !ok {
			writeTestError(w, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}
		a.handleProtected(w, r, email, body)
	}
}

func (a *fakeAPI) handlePublic(w http.ResponseWriter, r *http.Request, parts []string, body map[string]any) {
	str := func(key string) string {
		v, _ := body[key].(string)
		return v
	}
	switch {
	case r.Method == http.MethodGet && len(parts) == 2:
		i := a.formIndex(parts[1])
		if i < 0 {
			writeTestError(w, http.StatusNotFound, "NOT_FOUND")
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"form": a.forms[i]})
	case len(parts) == 3 && parts[2] == "registrations":
		i := a.formIndex(parts[1])
		if i < 0 {
			writeTestError(w, http.StatusNotFound, "NOT_FOUND")
			return
		}
		a.forms[i].SubmissionCount++
		writeTestJSON(w, http.StatusCreated, map[string]any{"registration": a.addRegistration(parts[1], str("name"), str("email"))})
	case len(parts) == 3 && parts[2] == "increment":
		i := a.formIndex(parts[1])
		if a.failIncrement || i < 0 {
			writeTestError(w, http.StatusInternalServerError, "SERVER_ERROR")
			return
		}
		a.forms[i].SubmissionCount++
		writeTestJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) == 1 && parts[0] == "registrations":
		writeTestJSON(w, http.StatusCreated, map[string]any{"registration": a.addRegistration(str("formId"), str("name"), str("email"))})
	default:
		writeTestError(w, http.StatusNotFound, "NOT_FOUND")
	}
}

func (a *fakeAPI) handleProtected(w http.ResponseWriter, r *http.Request, email string, body map[string]any) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/"), "/"), "/")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/forms":
		writeTestJSON(w, http.StatusOK, map[string]any{"forms": a.forms})
	case r.Method == http.MethodPost && r.URL.Path == "/api/forms":
		title, _ := body["title"].(string)
		if title == "" {
			writeTestJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"code": "VALIDATION_ERROR", "error": "validation failed", "details": map[string]string{"title": "is required"},
			})
			return
		}
		owner, _ := body["ownerId"].(string)
		if owner == "" {
			owner = email
		}
		a.seq++
		f := forms.Form{ID: fmt.Sprintf("f%d", a.seq), Title: title, OwnerID: owner, CreatedAt: time.Now().UTC()}
		a.forms = append(a.forms, f)
		writeTestJSON(w, http.StatusCreated, map[string]any{"form": f})
	case r.Method == http.MethodPatch && len(parts) == 2 && parts[0] == "forms":
		i := a.formIndex(parts[1])
		if i < 0 {
			writeTestError(w, http.StatusNotFound, "NOT_FOUND")
			return
		}
		if title, ok := body["title"].(string); ok {
			a.forms[i].Title = title
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"form": a.forms[i]})
	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "forms":
		i := a.formIndex(parts[1])
		if i < 0 {
			writeTestError(w, http.StatusNotFound, "NOT_FOUND")
			return
		}
		a.forms = append(a.forms[:i], a.forms[i+1:]...)
		writeTestJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "forms" && parts[2] == "registrations":
		var out []forms.Registration
		for _, reg := range a.registrations {
			if reg.FormID == parts[1] {
				out = append(out, reg)
			}
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"registrations": out})
	case r.Method == http.MethodGet && r.URL.Path == "/api/registrations":
		writeTestJSON(w, http.StatusOK, map[string]any{"registrations": a.registrations})
	case r.Method == http.MethodPost && r.URL.Path == "/api/seed":
		items, _ := body["forms"].([]any)
		for _, item := range items {
			m, _ := item.(map[string]any)
			title, _ := m["title"].(string)
			a.seq++
			a.forms = append(a.forms, forms.Form{ID: fmt.Sprintf("f%d", a.seq), Title: title, OwnerID: email})
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"seeded": len(items)})
	case r.Method == http.MethodPatch && r.URL.Path == "/api/profile":
		name, _ := body["displayName"].(string)
		a.names[email] = name
		writeTestJSON(w, http.StatusOK, map[string]any{"user": a.user(email)})
	default:
		writeTestError(w, http.StatusNotFound, "NOT_FOUND")
	}
}

func (a *fakeAPI) writeSession(w http.ResponseWriter, status int, email string) {
	a.seq++
	access := fmt.Sprintf("acc-%d", a.seq)
	refresh := fmt.Sprintf("rft-%d", a.seq)
	a.access[access] = email
	a.refresh[refresh] = email
	writeTestJSON(w, status, map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresAt":    time.Now().Add(a.accessTTL).Unix(),
		"user":         a.user(email),
	})
}

func (a *fakeAPI) user(email string) map[string]any {
	return map[string]any{"id": "user-" + email, "email": email, "displayName": a.names[email]}
}

func (a *fakeAPI) addRegistration(formID, name, email string) forms.Registration {
	a.seq++
	reg := forms.Registration{ID: fmt.Sprintf("reg_%d", a.seq), FormID: formID, Name: name, Email: email, SubmittedAt: time.Now().UTC()}
	a.registrations = append(a.registrations, reg)
	return reg
}

func (a *fakeAPI) formIndex(id string) int {
	for i, f := range a.forms {
		if f.ID == id {
			return i
		}
	}
	return -1
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeTestJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeTestError(w http.ResponseWriter, status int, code string) {
	writeTestJSON(w, status, map[string]any{"code": code, "error": strings.ToLower(code)})
}
