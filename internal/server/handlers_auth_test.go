package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func TestAuthSetupThenLogin(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/auth/setup", credentialsRequest{Password: "hunter22"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2 := postJSON(t, ts.URL+"/auth/login", credentialsRequest{Password: "hunter22"})
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var cookieSet bool
	for _, c := range resp2.Cookies() {
		if c.Name == sessionCookieName {
			cookieSet = true
			assert.True(t, c.HttpOnly)
		}
	}
	assert.True(t, cookieSet)
}

func TestAuthLoginRejectsWrongPassword(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/auth/setup", credentialsRequest{Password: "correct-horse"})
	resp.Body.Close()

	resp2 := postJSON(t, ts.URL+"/auth/login", credentialsRequest{Password: "wrong"})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestAuthSetupRejectsSecondAccount(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/auth/setup", credentialsRequest{Password: "first-pass"})
	resp.Body.Close()

	resp2 := postJSON(t, ts.URL+"/auth/setup", credentialsRequest{Password: "second-pass"})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
