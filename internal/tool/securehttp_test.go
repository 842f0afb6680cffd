package tool

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow-ai/leadflow/internal/security"
	"github.com/leadflow-ai/leadflow/internal/types"
)

// testClient builds a client that may reach loopback httptest servers
// and never sleeps between retries.
func testClient(opts ...ClientOption) *SecureClient {
	base := []ClientOption{
		WithURLValidator(security.NewURLValidator(security.WithAllowLoopback())),
	}
	c := NewSecureClient(append(base, opts...)...)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestSecureClient_SetsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := testClient().Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "LeadflowBot/1.0 (+https://leadflow.ai/bot)", gotUA)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestSecureClient_BlocksPrivateTargets(t *testing.T) {
	c := NewSecureClient() // default validator, loopback blocked

	for _, target := range []string{
		"http://127.0.0.1/admin",
		"http://localhost:8080",
		"http://169.254.169.254/latest/meta-data/",
		"http://10.0.0.5/internal",
		"ftp://example.com/file",
	} {
		_, err := c.Do(context.Background(), Request{URL: target})
		require.Error(t, err, target)
		var lfErr *types.LeadflowError
		require.True(t, errors.As(err, &lfErr), target)
		assert.Equal(t, types.URL_BLOCKED, lfErr.Code, target)
	}
}

func TestSecureClient_AllowedDomains(t *testing.T) {
	c := NewSecureClient(WithURLValidator(security.NewURLValidator(
		security.WithResolver(allowAllResolver{}),
	)))

	_, err := c.Do(context.Background(), Request{
		URL:            "https://evil.example.org/x",
		AllowedDomains: []string{"example.com"},
	})
	require.Error(t, err)
	var lfErr *types.LeadflowError
	require.True(t, errors.As(err, &lfErr))
	assert.Equal(t, types.URL_BLOCKED, lfErr.Code)
}

func TestSecureClient_AuthTokenFromEnv(t *testing.T) {
	t.Setenv("TEST_CRM_TOKEN", "s3cret")

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	_, err := testClient().Do(context.Background(), Request{
		URL:          srv.URL,
		AuthTokenEnv: "TEST_CRM_TOKEN",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", gotAuth)
}

func TestSecureClient_BodySizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	_, err := testClient().Do(context.Background(), Request{
		URL:          srv.URL,
		MaxBodyBytes: 1024,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestSecureClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := testClient().Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSecureClient_NoRetryForPost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := testClient().Do(context.Background(), Request{
		URL:    srv.URL,
		Method: http.MethodPost,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSecureClient_RedirectHopsValidated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	_, err := testClient().Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	var lfErr *types.LeadflowError
	require.True(t, errors.As(err, &lfErr))
	assert.Equal(t, types.URL_BLOCKED, lfErr.Code)
}

func TestSecureClient_RedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	_, err := testClient().Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect")
}

// allowAllResolver resolves every hostname to a public address.
type allowAllResolver struct{}

func (allowAllResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
}
