package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/edvin/proxyhost/internal/provision"
)

const hostID = "app.proxy.example.com"

// jsonRequest builds a request whose body is v encoded as JSON. A nil v sends no body.
func jsonRequest(t *testing.T, method, target string, v any) *http.Request {
	t.Helper()
	body := ""
	if v != nil {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		body = string(raw)
	}
	return rawRequest(method, target, body)
}

func rawRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withID attaches the {id} route parameter the router would have extracted.
func withID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func readResult(t *testing.T, rec *httptest.ResponseRecorder) provision.Result {
	t.Helper()
	var res provision.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), "body: %s", rec.Body.String())
	return res
}
