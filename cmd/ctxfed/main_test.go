package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ctxfed/config"
	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/federation"
)

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"--config", "ctxfed.yaml", "--debug", "--query", "type=Vehicle"})
	require.NoError(t, err)
	assert.Equal(t, "ctxfed.yaml", cfg.ConfigPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "type=Vehicle", cfg.Query)
}

func TestValidateFlags(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "ctxfed.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("log:\n  level: info\n"), 0o600))

	tests := []struct {
		name    string
		cfg     CLIConfig
		wantErr bool
	}{
		{"defaults", CLIConfig{}, false},
		{"existing config", CLIConfig{ConfigPath: existing}, false},
		{"missing config", CLIConfig{ConfigPath: "/nonexistent/ctxfed.yaml"}, true},
		{"bad level", CLIConfig{LogLevel: "chatty"}, true},
		{"bad format", CLIConfig{LogFormat: "xml"}, true},
		{"version skips checks", CLIConfig{ShowVersion: true, LogLevel: "chatty"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFlags(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseQuery(t *testing.T) {
	req, err := parseQuery("type=Vehicle&attrs=speed,fuel&id=urn:a,urn:b&q=speed>3")
	require.NoError(t, err)
	assert.Equal(t, "Vehicle", req.Type)
	assert.Equal(t, []string{"speed", "fuel"}, req.Attrs)
	assert.Equal(t, []string{"urn:a", "urn:b"}, req.IDs)
	assert.Equal(t, "speed>3", req.Query.Get("q"))
	assert.Empty(t, req.Query.Get("type"))

	_, err = parseQuery("q=speed>3")
	assert.Error(t, err)

	_, err = parseQuery("type=%zz")
	assert.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "csr_id", "urn:x")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, appName, line["service"])
	assert.Equal(t, Version, line["version"])
	assert.Equal(t, "urn:x", line["csr_id"])
}

func TestApp_RunQuery(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc(federation.EntitiesPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"urn:ngsi-ld:Vehicle:1","type":"Vehicle","speed":{"type":"Property","value":3}}]`))
	}).Methods(http.MethodGet)
	peer := httptest.NewServer(router)
	defer peer.Close()

	cfg := config.Default()
	cfg.Health.Schedule = ""
	ctx := context.Background()

	var logs bytes.Buffer
	a, err := newApp(ctx, cfg, setupLogger(&logs, "error", "json"))
	require.NoError(t, err)
	defer a.close()

	reg, err := csr.Parse([]byte(`{
		"id": "urn:ngsi-ld:ContextSourceRegistration:peer",
		"type": "ContextSourceRegistration",
		"endpoint": "` + peer.URL + `",
		"information": [{"entities": [{"type": "Vehicle"}]}]
	}`))
	require.NoError(t, err)
	_, err = a.store.Create(ctx, reg)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, a.runQuery(ctx, &out, federation.QueryRequest{Type: "Vehicle"}))

	var result struct {
		Entities []map[string]any `json:"entities"`
		Warnings []any            `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "urn:ngsi-ld:Vehicle:1", result.Entities[0]["id"])
	assert.Empty(t, result.Warnings)
}

func TestApp_OpenStoreRejectsBadSQLDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendSQL
	cfg.Store.SQLDriver = "mysql"
	cfg.Store.SQLDSN = "x"

	_, err := newApp(context.Background(), cfg, setupLogger(&bytes.Buffer{}, "error", "json"))
	assert.Error(t, err)
}
