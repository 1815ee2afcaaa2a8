package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/server/internal/auth"
	"github.com/keyrelay/server/internal/config"
	"github.com/keyrelay/server/internal/db"
	"github.com/keyrelay/server/internal/directory"
	"github.com/keyrelay/server/internal/distribution"
	httphandler "github.com/keyrelay/server/internal/http"
	"github.com/keyrelay/server/internal/http/handlers"
	"github.com/keyrelay/server/internal/outline"
	"github.com/keyrelay/server/internal/repo"
	"github.com/keyrelay/server/internal/reputation"

	_ "github.com/lib/pq"
)

func TestMain(m *testing.M) {
	// Set env if unset. Do NOT set DATABASE_URL; integration tests skip if missing.
	if os.Getenv("API_JWT_SECRET") == "" {
		os.Setenv("API_JWT_SECRET", "test-jwt-secret-at-least-32-characters-long")
	}

	code := m.Run()
	os.Exit(code)
}

// fakeOutline emulates one Outline server: the management API for key
// create/delete and the Prometheus endpoint for usage queries, on a single
// listener so a server record can point both at it.
type fakeOutline struct {
	mu      sync.Mutex
	next    int
	retired []string
	Server  *httptest.Server
}

func newFakeOutline(t *testing.T) *fakeOutline {
	t.Helper()
	f := &fakeOutline{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/access-keys":
			f.mu.Lock()
			f.next++
			id := f.next
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id":"%d","accessUrl":"ss://outline.test:443/key%d"}`, id, id)
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/access-keys/"):
			f.mu.Lock()
			f.retired = append(f.retired, strings.TrimPrefix(r.URL.Path, "/access-keys/"))
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/query":
			fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1756300000,"4096"]}]}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeOutline) Retired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.retired...)
}

// HostPort returns the listener's host and port for the server record.
func (f *fakeOutline) HostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(f.Server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

// testServer holds the API server, DB and auth token for integration tests
type testServer struct {
	Server *httptest.Server
	DB     *sql.DB
	Token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for integration test")

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	err = RunMigrations(database)
	require.NoError(t, err, "migrations must run successfully")

	userRepo := repo.NewUserRepo(database)
	serverRepo := repo.NewServerRepo(database)
	keyRepo := repo.NewKeyRepo(database)
	issueRepo := repo.NewIssueRepo(database)

	outlineClient := outline.NewClient(cfg.KeyAPITimeout)
	serverDirectory := directory.New(serverRepo)
	rotationStore := distribution.NewPostgresStore(database)
	engine := distribution.NewEngine(
		userRepo, serverRepo, issueRepo, keyRepo,
		serverDirectory, outlineClient, reputation.NewStepped(), rotationStore,
		cfg.UsageWindow,
	)
	reaper := distribution.NewReaper(userRepo, cfg.GracePeriod)

	jwtService := auth.NewJWTService(cfg.JWTSecret)
	token, err := jwtService.SignToken("integration-test")
	require.NoError(t, err)

	router := httphandler.NewRouter(
		handlers.NewUserHandler(userRepo, keyRepo, reaper),
		handlers.NewKeyHandler(engine, keyRepo),
		handlers.NewIssueHandler(issueRepo),
		handlers.NewServerHandler(serverRepo),
		handlers.NewAdminHandler(reaper),
		jwtService,
	)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, DB: database, Token: token}
}

func (s *testServer) Truncate(t *testing.T) {
	t.Helper()
	require.NoError(t, TruncateDistributionTables(context.Background(), s.DB), "truncate distribution tables")
}

// do sends an authenticated JSON request and returns status and body.
func (s *testServer) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.Server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

// createOutlineServer registers a fleet server pointing at the fake Outline listener.
func (s *testServer) createOutlineServer(t *testing.T, name string, fake *fakeOutline) string {
	t.Helper()
	host, port := fake.HostPort(t)

	status, body := s.do(t, http.MethodPut, "/server", map[string]any{
		"name":         name,
		"ipv4":         host,
		"user_src":     "TG",
		"active":       true,
		"api_url":      fake.Server.URL,
		"metrics_port": port,
	})
	require.Equal(t, http.StatusCreated, status, "create server: %s", body)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	return created.ID
}

func (s *testServer) createUser(t *testing.T, username string) {
	t.Helper()
	status, body := s.do(t, http.MethodPut, "/distribution/user", map[string]any{
		"username": username,
		"channel":  "TG",
	})
	require.Equal(t, http.StatusCreated, status, "create user: %s", body)
}

type keyBody struct {
	ID           string   `json:"id"`
	ServerID     string   `json:"server_id"`
	OutlineKeyID string   `json:"outline_key_id"`
	OutlineKey   string   `json:"outline_key"`
	Transfer     *float64 `json:"transfer"`
}

func (s *testServer) rotate(t *testing.T, username string) (int, keyBody) {
	t.Helper()
	status, body := s.do(t, http.MethodPut, "/distribution/outline", map[string]any{"user": username})
	var key keyBody
	if status == http.StatusCreated {
		require.NoError(t, json.Unmarshal(body, &key))
	}
	return status, key
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.Server.URL + "/distribution/users")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUserLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.Truncate(t)

	ts.createUser(t, "alice")

	t.Run("duplicate username conflicts", func(t *testing.T) {
		status, _ := ts.do(t, http.MethodPut, "/distribution/user", map[string]any{"username": "alice", "channel": "TG"})
		assert.Equal(t, http.StatusConflict, status)
	})

	t.Run("get user", func(t *testing.T) {
		status, body := ts.do(t, http.MethodGet, "/distribution/user/alice", nil)
		require.Equal(t, http.StatusOK, status)
		var user struct {
			Username   string `json:"username"`
			Channel    string `json:"channel"`
			Reputation int    `json:"reputation"`
			Banned     bool   `json:"banned"`
		}
		require.NoError(t, json.Unmarshal(body, &user))
		assert.Equal(t, "alice", user.Username)
		assert.Equal(t, "TG", user.Channel)
		assert.False(t, user.Banned)
	})

	t.Run("update reputation", func(t *testing.T) {
		status, body := ts.do(t, http.MethodPost, "/distribution/user", map[string]any{"username": "alice", "reputation": 12})
		require.Equal(t, http.StatusOK, status)
		var user struct {
			Reputation int `json:"reputation"`
		}
		require.NoError(t, json.Unmarshal(body, &user))
		assert.Equal(t, 12, user.Reputation)
	})

	t.Run("delete deactivates with grace period", func(t *testing.T) {
		status, body := ts.do(t, http.MethodDelete, "/distribution/user/alice", nil)
		require.Equal(t, http.StatusOK, status)
		var user struct {
			Banned     bool       `json:"banned"`
			DeleteDate *time.Time `json:"delete_date"`
		}
		require.NoError(t, json.Unmarshal(body, &user))
		assert.True(t, user.Banned)
		require.NotNil(t, user.DeleteDate)
		assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *user.DeleteDate, time.Minute)
	})

	t.Run("banned user cannot rotate", func(t *testing.T) {
		status, _ := ts.rotate(t, "alice")
		assert.Equal(t, http.StatusForbidden, status)
	})

	t.Run("unban clears the schedule", func(t *testing.T) {
		status, body := ts.do(t, http.MethodPost, "/distribution/user", map[string]any{"username": "alice", "banned": false})
		require.Equal(t, http.StatusOK, status)
		var user struct {
			Banned     bool       `json:"banned"`
			DeleteDate *time.Time `json:"delete_date"`
		}
		require.NoError(t, json.Unmarshal(body, &user))
		assert.False(t, user.Banned)
		assert.Nil(t, user.DeleteDate)
	})

	t.Run("unknown user", func(t *testing.T) {
		status, _ := ts.do(t, http.MethodGet, "/distribution/user/ghost", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestKeyRotationFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.Truncate(t)
	fake := newFakeOutline(t)

	ts.createUser(t, "carol")
	ts.createOutlineServer(t, "relay-1", fake)
	ts.createOutlineServer(t, "relay-2", fake)

	status, first := ts.rotate(t, "carol")
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, first.OutlineKey)

	t.Run("latest key is served", func(t *testing.T) {
		status, body := ts.do(t, http.MethodGet, "/distribution/outline/carol", nil)
		require.Equal(t, http.StatusOK, status)
		var key keyBody
		require.NoError(t, json.Unmarshal(body, &key))
		assert.Equal(t, first.ID, key.ID)
	})

	status, second := ts.rotate(t, "carol")
	require.Equal(t, http.StatusCreated, status)
	assert.NotEqual(t, first.ServerID, second.ServerID, "rotation moves to an unheld server")

	t.Run("previous key is retired", func(t *testing.T) {
		var retiredAt *time.Time
		var transfer *float64
		err := ts.DB.QueryRow(
			"SELECT retired_at, transfer_bytes FROM outline_keys WHERE id = $1", first.ID,
		).Scan(&retiredAt, &transfer)
		require.NoError(t, err)
		require.NotNil(t, retiredAt)
		require.NotNil(t, transfer)
		assert.Equal(t, 4096.0, *transfer)

		assert.Equal(t, []string{first.OutlineKeyID}, fake.Retired())
	})

	t.Run("history exhausted", func(t *testing.T) {
		status, _ := ts.rotate(t, "carol")
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})

	t.Run("reputation advanced", func(t *testing.T) {
		status, body := ts.do(t, http.MethodGet, "/distribution/user/carol", nil)
		require.Equal(t, http.StatusOK, status)
		var user struct {
			Reputation int `json:"reputation"`
		}
		require.NoError(t, json.Unmarshal(body, &user))
		assert.Equal(t, 2, user.Reputation, "one point per successful rotation")
	})

	t.Run("key listing", func(t *testing.T) {
		status, body := ts.do(t, http.MethodGet, "/distribution/listoutlineusers", nil)
		require.Equal(t, http.StatusOK, status)
		var listings []struct {
			User       *string `json:"user"`
			Reputation int     `json:"reputation"`
		}
		require.NoError(t, json.Unmarshal(body, &listings))
		assert.Len(t, listings, 2)
		for _, l := range listings {
			assert.Positive(t, l.Reputation, "issued keys carry the owner's score at issuance")
		}
	})

	t.Run("key listing as CSV", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.Server.URL+"/distribution/listoutlineusers", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+ts.Token)
		req.Header.Set("Accept", "text/csv")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
		require.NotEmpty(t, lines)
		assert.Equal(t, "user,server,outline_key,reputation,transfer,user_issue", strings.TrimSpace(lines[0]))
	})

	t.Run("user listing as CSV", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.Server.URL+"/distribution/users", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+ts.Token)
		req.Header.Set("Accept", "text/csv")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
		require.NotEmpty(t, lines)
		assert.Equal(t, "username,channel,reputation,delete_date,banned,outline_key", strings.TrimSpace(lines[0]))
	})
}

func TestRotationRecordsIssue(t *testing.T) {
	ts := newTestServer(t)
	ts.Truncate(t)
	fake := newFakeOutline(t)

	ts.createUser(t, "dave")
	ts.createOutlineServer(t, "relay-1", fake)
	ts.createOutlineServer(t, "relay-2", fake)

	status, body := ts.do(t, http.MethodPost, "/distribution/issues", map[string]any{
		"title":       "slow connection",
		"description": "speed drops every evening",
	})
	require.Equal(t, http.StatusCreated, status)
	var issue struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &issue))

	status, first := ts.rotate(t, "dave")
	require.Equal(t, http.StatusCreated, status)

	status, _ = ts.do(t, http.MethodPut, "/distribution/outline", map[string]any{
		"user":       "dave",
		"user_issue": issue.ID,
	})
	require.Equal(t, http.StatusCreated, status)

	var issueID *string
	err := ts.DB.QueryRow("SELECT issue_id FROM outline_keys WHERE id = $1", first.ID).Scan(&issueID)
	require.NoError(t, err)
	require.NotNil(t, issueID)
	assert.Equal(t, issue.ID, *issueID)
}

func TestSweepAndKeyRetention(t *testing.T) {
	ts := newTestServer(t)
	ts.Truncate(t)
	fake := newFakeOutline(t)

	ts.createUser(t, "erin")
	serverID := ts.createOutlineServer(t, "relay-1", fake)

	status, key := ts.rotate(t, "erin")
	require.Equal(t, http.StatusCreated, status)

	status, _ = ts.do(t, http.MethodDelete, "/distribution/user/erin", nil)
	require.Equal(t, http.StatusOK, status)

	// Pull the schedule into the past so the sweep can act.
	_, err := ts.DB.Exec("UPDATE vpn_users SET delete_date = now() - interval '1 hour' WHERE username = 'erin'")
	require.NoError(t, err)

	status, body := ts.do(t, http.MethodPost, "/admin/sweep", map[string]any{"days": 0})
	require.Equal(t, http.StatusOK, status)
	var report struct {
		Deleted int      `json:"deleted"`
		Errors  []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 1, report.Deleted)
	assert.Empty(t, report.Errors)

	t.Run("user is gone", func(t *testing.T) {
		status, _ := ts.do(t, http.MethodGet, "/distribution/user/erin", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("key row survives with owner cleared", func(t *testing.T) {
		var userID *string
		err := ts.DB.QueryRow("SELECT user_id FROM outline_keys WHERE id = $1", key.ID).Scan(&userID)
		require.NoError(t, err)
		assert.Nil(t, userID)
	})

	t.Run("server with key history cannot be deleted", func(t *testing.T) {
		_, err := ts.DB.Exec("DELETE FROM outline_servers WHERE id = $1", serverID)
		assert.Error(t, err, "restrict constraint must block the delete")
	})

	t.Run("sweep again is a no-op", func(t *testing.T) {
		status, body := ts.do(t, http.MethodPost, "/admin/sweep", map[string]any{"days": 0})
		require.Equal(t, http.StatusOK, status)
		var report struct {
			Deleted int `json:"deleted"`
		}
		require.NoError(t, json.Unmarshal(body, &report))
		assert.Zero(t, report.Deleted)
	})
}
