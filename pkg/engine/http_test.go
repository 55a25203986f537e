package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPGateway(t *testing.T, handler http.HandlerFunc) *HTTPGateway {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{Engine: config.EngineConfig{
		Type:        config.EngineTypeHTTP,
		CallTimeout: "2s",
		HTTP: &config.HTTPEngineConfig{
			APIURL:     server.URL,
			Token:      "agent-token",
			MaxRetries: 3,
		},
	}}

	g := NewHTTPGateway(cfg, logger)
	g.client.initialInterval = time.Millisecond
	return g
}

func TestHTTPGateway_Type(t *testing.T) {
	g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	assert.Equal(t, "http", g.Type())
}

func TestHTTPGateway_ValidateConfig(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tests := []struct {
		name    string
		cfg     *config.Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg: &config.Config{Engine: config.EngineConfig{HTTP: &config.HTTPEngineConfig{
				APIURL: "http://localhost:7070",
			}}},
		},
		{
			name:    "missing section",
			cfg:     &config.Config{},
			wantErr: true,
		},
		{
			name: "missing url",
			cfg: &config.Config{Engine: config.EngineConfig{HTTP: &config.HTTPEngineConfig{
				Token: "x",
			}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewHTTPGateway(tt.cfg, logger).ValidateConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPGateway_StartScan(t *testing.T) {
	var got startScanRequest
	g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ScansEndpoint, r.URL.Path)
		assert.Equal(t, "Bearer agent-token", r.Header.Get(HeaderAuthorization))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	require.NoError(t, g.StartScan(context.Background(), models.ScanKindCustom, `D:\data`))
	assert.Equal(t, models.ScanKindCustom, got.Kind)
	assert.Equal(t, `D:\data`, got.Path)
}

func TestHTTPGateway_StartScan_Conflict(t *testing.T) {
	var calls int32
	g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"full scan in progress"}`))
	})

	err := g.StartScan(context.Background(), models.ScanKindQuick, "")
	require.Error(t, err)
	assert.True(t, IsScanAlreadyRunning(err))

	var running *ScanAlreadyRunningError
	require.True(t, errors.As(err, &running))
	assert.Equal(t, "full scan in progress", running.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPGateway_StartScan_NotRetried(t *testing.T) {
	var calls int32
	g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := g.StartScan(context.Background(), models.ScanKindQuick, "")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "mutating calls are sent once")
}

func TestHTTPGateway_IsScanRunning_RetriesTransientErrors(t *testing.T) {
	var calls int32
	g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(runningResponse{Running: true})
	})

	running, err := g.IsScanRunning(context.Background())
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPGateway_IsScanRunning_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := g.IsScanRunning(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "one attempt plus three retries")
}

func TestHTTPGateway_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no summary yet"}`))
	})

	_, err := g.LastScanSummary(context.Background(), models.ScanKindFull)
	require.Error(t, err)

	var actionErr *ActionError
	require.True(t, errors.As(err, &actionErr))
	assert.Equal(t, "no summary yet", actionErr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPGateway_Timeout(t *testing.T) {
	g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	g.callTimeout = 50 * time.Millisecond

	_, err := g.Status(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %T %v", err, err)
}

func TestHTTPGateway_ApplyThreatAction(t *testing.T) {
	tests := []struct {
		name     string
		response messageResponse
		want     string
	}{
		{"success", messageResponse{Message: "threat quarantined"}, "threat quarantined"},
		{"partial", messageResponse{Message: "file in use", Partial: true}, "partial: file in use"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got actionRequest
			g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/threats/42/actions", r.URL.Path)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				json.NewEncoder(w).Encode(tt.response)
			})

			msg, err := g.ApplyThreatAction(context.Background(), "42", models.ActionQuarantine, `C:\x.exe`)
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
			assert.Equal(t, models.ActionQuarantine, got.Action)
			assert.Equal(t, `C:\x.exe`, got.FilePath)
		})
	}
}

func TestHTTPGateway_ListThreats(t *testing.T) {
	g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ThreatsEndpoint, r.URL.Path)
		w.Write([]byte(`{"total_threats":1,"threats":[{"threat_id":"7","threat_name":"EICAR","severity":"low","status":"Quarantined","category":"quarantined","file_exists":false}]}`))
	})

	list, err := g.ListThreats(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Threats, 1)
	assert.Equal(t, models.ThreatID("7"), list.Threats[0].ID)
	assert.Equal(t, models.CategoryQuarantined, list.Threats[0].Category)
}

func TestHTTPGateway_RateLimitRetryAfter(t *testing.T) {
	var calls int32
	g := newTestHTTPGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set(HeaderRetryAfter, "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"is_enabled":true,"last_scan":"2025-01-02 10:00"}`))
	})

	status, err := g.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsEnabled)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIsRetriableStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusConflict, false},
		{http.StatusNotFound, false},
	}

	for _, tt := range tests {
		if got := isRetriableStatusCode(tt.code); got != tt.want {
			t.Errorf("isRetriableStatusCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
