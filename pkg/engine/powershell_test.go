package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptCall struct {
	script string
}

// fakeRunner answers scripts with canned output and records what ran
type fakeRunner struct {
	mu     sync.Mutex
	calls  []scriptCall
	output string
	err    error
	delay  time.Duration
}

func (f *fakeRunner) run(ctx context.Context, script string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, scriptCall{script: script})
	out, err, delay := f.output, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return out, err
}

func (f *fakeRunner) lastScript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1].script
}

func newTestPowerShellGateway(runner *fakeRunner) *PowerShellGateway {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := &config.Config{Engine: config.EngineConfig{
		Type:           config.EngineTypePowerShell,
		PowerShellPath: "powershell",
		CallTimeout:    "1s",
	}}
	return NewPowerShellGateway(cfg, logger).WithRunner(runner.run)
}

func TestPowerShellGateway_Type(t *testing.T) {
	g := newTestPowerShellGateway(&fakeRunner{})
	assert.Equal(t, "powershell", g.Type())
}

func TestPowerShellGateway_StartScan(t *testing.T) {
	tests := []struct {
		name       string
		kind       models.ScanKind
		path       string
		output     string
		wantScript string
		wantErr    func(error) bool
	}{
		{
			name:       "quick scan accepted",
			kind:       models.ScanKindQuick,
			output:     "SUCCESS: scan accepted\n",
			wantScript: "-ScanType QuickScan",
		},
		{
			name:       "custom scan quotes path",
			kind:       models.ScanKindCustom,
			path:       `C:\Users\o'neil`,
			output:     "SUCCESS: scan accepted",
			wantScript: `-ScanPath 'C:\Users\o''neil'`,
		},
		{
			name:       "engine reports running scan",
			kind:       models.ScanKindFull,
			output:     "ERROR: RUNNING: a scan is already in progress",
			wantScript: "-ScanType FullScan",
			wantErr:    IsScanAlreadyRunning,
		},
		{
			name:   "engine refuses",
			kind:   models.ScanKindQuick,
			output: "ERROR: Access denied",
			wantErr: func(err error) bool {
				var actionErr *ActionError
				return errors.As(err, &actionErr) && actionErr.Message == "Access denied"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{output: tt.output}
			g := newTestPowerShellGateway(runner)

			err := g.StartScan(context.Background(), tt.kind, tt.path)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, tt.wantErr(err), "unexpected error type: %T %v", err, err)
			}
			if tt.wantScript != "" {
				assert.Contains(t, runner.lastScript(), tt.wantScript)
			}
		})
	}
}

func TestPowerShellGateway_StartScan_CustomWithoutPath(t *testing.T) {
	runner := &fakeRunner{}
	g := newTestPowerShellGateway(runner)

	err := g.StartScan(context.Background(), models.ScanKindCustom, "")
	require.Error(t, err)
	assert.Empty(t, runner.calls, "no script should run without a path")
}

func isPSQuote(r rune) bool {
	switch r {
	case '\'', '\u2018', '\u2019', '\u201A', '\u201B':
		return true
	}
	return false
}

// readPSLiteral decodes the single-quoted PowerShell string that opens s the
// way the PowerShell tokenizer does and returns its value
func readPSLiteral(t *testing.T, s string) string {
	t.Helper()
	runes := []rune(s)
	require.True(t, len(runes) > 0 && isPSQuote(runes[0]), "no literal at %q", s)

	var b strings.Builder
	for i := 1; i < len(runes); i++ {
		if !isPSQuote(runes[i]) {
			b.WriteRune(runes[i])
			continue
		}
		if i+1 < len(runes) && isPSQuote(runes[i+1]) {
			b.WriteRune(runes[i])
			i++
			continue
		}
		return b.String()
	}
	t.Fatalf("unterminated literal in %q", s)
	return ""
}

func TestPSQuote_KeepsValueInsideLiteral(t *testing.T) {
	quotes := map[string]string{
		"ascii":                "'",
		"left single":          "\u2018",
		"right single":         "\u2019",
		"low single":           "\u201A",
		"high reversed single": "\u201B",
	}

	for name, q := range quotes {
		t.Run(name, func(t *testing.T) {
			path := `C:\x` + q + "; Write-Output PWNED; #"

			assert.Equal(t, path, readPSLiteral(t, "'"+psQuote(path)+"'"))

			runner := &fakeRunner{output: "SUCCESS: scan accepted"}
			g := newTestPowerShellGateway(runner)
			require.NoError(t, g.StartScan(context.Background(), models.ScanKindCustom, path))

			script := runner.lastScript()
			idx := strings.Index(script, "-ScanPath ")
			require.GreaterOrEqual(t, idx, 0)
			assert.Equal(t, path, readPSLiteral(t, script[idx+len("-ScanPath "):]))

			action, err := buildActionScript("2147734096", models.ActionAllow, path)
			require.NoError(t, err)
			idx = strings.Index(action, "$filePath = ")
			require.GreaterOrEqual(t, idx, 0)
			assert.Equal(t, path, readPSLiteral(t, action[idx+len("$filePath = "):]))
		})
	}
}

func TestPowerShellGateway_IsScanRunning(t *testing.T) {
	tests := []struct {
		output  string
		want    bool
		wantErr bool
	}{
		{"RUNNING\r\n", true, false},
		{"IDLE", false, false},
		{"garbage", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			g := newTestPowerShellGateway(&fakeRunner{output: tt.output})
			got, err := g.IsScanRunning(context.Background())
			if tt.wantErr {
				assert.True(t, IsUnavailable(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPowerShellGateway_Timeout(t *testing.T) {
	runner := &fakeRunner{output: "IDLE", delay: 5 * time.Second}
	g := newTestPowerShellGateway(runner)
	g.callTimeout = 20 * time.Millisecond

	_, err := g.IsScanRunning(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %T %v", err, err)
	assert.False(t, IsRetriableError(err))
}

func TestPowerShellGateway_CommandBoundsPipeWait(t *testing.T) {
	g := newTestPowerShellGateway(&fakeRunner{})

	cmd := g.command(context.Background(), "Write-Output ok")
	assert.Equal(t, processWaitDelay, cmd.WaitDelay)
	assert.Greater(t, cmd.WaitDelay, time.Duration(0))
	assert.Equal(t, "-NonInteractive", cmd.Args[2])
	assert.True(t, strings.HasSuffix(cmd.Args[len(cmd.Args)-1], "Write-Output ok"))
}

func TestPowerShellGateway_ProcessFailureIsUnavailable(t *testing.T) {
	g := newTestPowerShellGateway(&fakeRunner{err: errors.New("exit status 1")})

	_, err := g.ListThreats(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.True(t, IsRetriableError(err))
}

func TestPowerShellGateway_ApplyThreatAction(t *testing.T) {
	tests := []struct {
		name       string
		action     models.ActionKind
		output     string
		want       string
		wantErr    bool
		wantScript string
	}{
		{
			name:       "quarantine succeeds",
			action:     models.ActionQuarantine,
			output:     "SUCCESS: threat quarantined",
			want:       "threat quarantined",
			wantScript: "$_.ThreatID -eq 2147734096",
		},
		{
			name:   "remove with locked file",
			action: models.ActionRemove,
			output: "PARTIAL: file in use, close the application and try again",
			want:   "partial: file in use, close the application and try again",
		},
		{
			name:       "allow cleans path",
			action:     models.ActionAllow,
			output:     "SUCCESS: threat allowed and added to exclusions",
			want:       "threat allowed and added to exclusions",
			wantScript: `'C:\Users\x\evil.exe'`,
		},
		{
			name:    "restore refused",
			action:  models.ActionRestore,
			output:  "ERROR: threat not found",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{output: tt.output}
			g := newTestPowerShellGateway(runner)

			got, err := g.ApplyThreatAction(context.Background(), "2147734096", tt.action, "file:_C:/Users/x/evil.exe")
			if tt.wantErr {
				var actionErr *ActionError
				require.True(t, errors.As(err, &actionErr))
				assert.Equal(t, "threat not found", actionErr.Message)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.wantScript != "" {
				assert.Contains(t, runner.lastScript(), tt.wantScript)
			}
		})
	}
}

func TestPowerShellGateway_ApplyThreatAction_RejectsNonNumericID(t *testing.T) {
	runner := &fakeRunner{}
	g := newTestPowerShellGateway(runner)

	_, err := g.ApplyThreatAction(context.Background(), "1; Remove-Item C:\\", models.ActionRemove, "")
	require.Error(t, err)
	assert.Empty(t, runner.calls)
}

func TestPowerShellGateway_ListThreats(t *testing.T) {
	output := `{"total_threats":1,"high_severity":1,"medium_severity":0,"low_severity":0,"threats":[{"threat_id":2147734096,"threat_name":"Trojan:Win32/Wacatac","severity":"High","status":"Active","category":"active","file_path":"C:\\x.exe","file_exists":true,"detected_time":"2025-01-02 10:00:00","action_taken":"Quarantine"}]}`
	g := newTestPowerShellGateway(&fakeRunner{output: output})

	list, err := g.ListThreats(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Threats, 1)
	assert.Equal(t, models.ThreatID("2147734096"), list.Threats[0].ID)
	assert.Equal(t, models.SeverityHigh, list.Threats[0].Severity)
	assert.True(t, list.Threats[0].FileExists)
}

func TestPowerShellGateway_LastScanSummary(t *testing.T) {
	t.Run("summary available", func(t *testing.T) {
		runner := &fakeRunner{output: `{"scan_type":"quick","last_scan":"2025-01-02 10:00","threats_found":2,"duration":"3 minutes 4 seconds","files_scanned":51234}`}
		g := newTestPowerShellGateway(runner)

		summary, err := g.LastScanSummary(context.Background(), models.ScanKindQuick)
		require.NoError(t, err)
		assert.Equal(t, uint64(51234), summary.FilesScanned)
		assert.Equal(t, 2, summary.ThreatsFound)
		require.NotNil(t, summary.LastScanLabel)
		assert.Equal(t, "2025-01-02 10:00", *summary.LastScanLabel)
		assert.Contains(t, runner.lastScript(), "$scanType = 'quick'")
	})

	t.Run("no summary yet", func(t *testing.T) {
		g := newTestPowerShellGateway(&fakeRunner{output: "ERROR: no summary available yet"})
		_, err := g.LastScanSummary(context.Background(), models.ScanKindFull)
		require.Error(t, err)
	})
}

func TestPowerShellGateway_Status(t *testing.T) {
	g := newTestPowerShellGateway(&fakeRunner{output: `{"is_enabled":true,"last_scan":null}`})

	status, err := g.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsEnabled)
	assert.Nil(t, status.LastScanTime)
}

func TestPowerShellGateway_ScanHistory(t *testing.T) {
	g := newTestPowerShellGateway(&fakeRunner{output: `[{"scan_type":"quick","start_time":"2025-01-02 10:00:00","end_time":"2025-01-02 10:05:00","threats_found":0,"files_scanned":0}]`})

	history, err := g.ScanHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "quick", history[0].ScanKind)
}

func TestParseScriptOutput(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		wantKind outputKind
		wantMsg  string
	}{
		{"success", "SUCCESS: done\r\n", outputSuccess, "done"},
		{"error wins", "SUCCESS: partly\nERROR: broke", outputError, "broke"},
		{"partial", "PARTIAL: file in use", outputPartial, "file in use"},
		{"no marker", "  plain text ", outputSuccess, "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, msg := parseScriptOutput(tt.output)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestCleanThreatPath(t *testing.T) {
	assert.Equal(t, `C:\a\b.zip\inner.exe`, cleanThreatPath("file:_C:/a/b.zip->inner.exe"))
	assert.True(t, strings.HasPrefix(cleanThreatPath(`C:\x`), `C:\`))
}
