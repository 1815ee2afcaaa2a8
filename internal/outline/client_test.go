package outline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/server/internal/model"
)

func TestProvision(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/access-keys", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"17","name":"","password":"x","port":443,"accessUrl":"ss://host:443/key17"}`))
	}))
	defer ts.Close()

	c := NewClient(2 * time.Second)
	srv := &model.Server{Name: "relay-1", APIURL: ts.URL}

	handle, err := c.Provision(context.Background(), srv)
	require.NoError(t, err)
	assert.Equal(t, "17", handle.ID)
	assert.Equal(t, "ss://host:443/key17", handle.AccessURL)
}

func TestProvisionTrimsTrailingSlash(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/secret/access-keys", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"1","accessUrl":"ss://a"}`))
	}))
	defer ts.Close()

	c := NewClient(2 * time.Second)
	_, err := c.Provision(context.Background(), &model.Server{Name: "r", APIURL: ts.URL + "/secret/"})
	require.NoError(t, err)
}

func TestProvisionServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewClient(2 * time.Second)
	_, err := c.Provision(context.Background(), &model.Server{Name: "r", APIURL: ts.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestProvisionIncompleteResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"17"}`))
	}))
	defer ts.Close()

	c := NewClient(2 * time.Second)
	_, err := c.Provision(context.Background(), &model.Server{Name: "r", APIURL: ts.URL})
	assert.Error(t, err)
}

func TestProvisionMissingAPIURL(t *testing.T) {
	c := NewClient(2 * time.Second)
	_, err := c.Provision(context.Background(), &model.Server{Name: "r"})
	assert.Error(t, err)
}

func TestRetire(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := NewClient(2 * time.Second)
	err := c.Retire(context.Background(), &model.Server{Name: "r", APIURL: ts.URL}, "17")
	require.NoError(t, err)
	assert.Equal(t, "/access-keys/17", gotPath)
}

func TestRetireNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := NewClient(2 * time.Second)
	err := c.Retire(context.Background(), &model.Server{Name: "r", APIURL: ts.URL}, "17")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

// metricsServer points a Server record's IPv4/MetricsPort at a test listener.
func metricsServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *model.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return ts, &model.Server{Name: "relay-1", IPv4: u.Hostname(), MetricsPort: port}
}

func TestMeasureUsage(t *testing.T) {
	var gotQuery string
	ts, srv := metricsServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		gotQuery = r.URL.Query().Get("query")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1756300000,"12345.67"]}]}}`))
	})
	defer ts.Close()

	c := NewClient(2 * time.Second)
	usage, err := c.MeasureUsage(context.Background(), srv, "17", 30*24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, 12345.67, *usage)
	assert.Equal(t, `sum(increase(shadowsocks_data_bytes{access_key="17"}[30d]))`, gotQuery)
}

func TestMeasureUsageNoSample(t *testing.T) {
	ts, srv := metricsServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
	})
	defer ts.Close()

	c := NewClient(2 * time.Second)
	usage, err := c.MeasureUsage(context.Background(), srv, "17", 30*24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, usage)
}

func TestMeasureUsageWindowFloor(t *testing.T) {
	var gotQuery string
	ts, srv := metricsServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		_, _ = w.Write([]byte(`{"status":"success","data":{"result":[]}}`))
	})
	defer ts.Close()

	c := NewClient(2 * time.Second)
	_, err := c.MeasureUsage(context.Background(), srv, "17", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "[1d]")
}

func TestMeasureUsageServerError(t *testing.T) {
	ts, srv := metricsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer ts.Close()

	c := NewClient(2 * time.Second)
	_, err := c.MeasureUsage(context.Background(), srv, "17", 30*24*time.Hour)
	assert.Error(t, err)
}
