package engine

import (
	"fmt"
	"strings"

	"github.com/defenderpro/engine-orchestrator/internal/models"
)

const scriptPrelude = "$ProgressPreference='SilentlyContinue'; [Console]::OutputEncoding=[System.Text.Encoding]::UTF8; "

// runningMarker prefixes the error line a start script emits when a scan is in progress
const runningMarker = "RUNNING:"

const scanRunningCheck = `
$status = Get-MpComputerStatus
$running = (($status.QuickScanStartTime -and !$status.QuickScanEndTime) -or
            ($status.QuickScanStartTime -and $status.QuickScanEndTime -and $status.QuickScanStartTime -gt $status.QuickScanEndTime) -or
            ($status.FullScanStartTime -and !$status.FullScanEndTime) -or
            ($status.FullScanStartTime -and $status.FullScanEndTime -and $status.FullScanStartTime -gt $status.FullScanEndTime))
`

const isScanRunningScript = scanRunningCheck + `
if ($running) { "RUNNING" } else { "IDLE" }
`

const startScanScript = `
try {
` + scanRunningCheck + `
    if ($running) {
        Write-Output "ERROR: RUNNING: a scan is already in progress"
        exit
    }
    Start-MpScan -ScanType %s %s -AsJob -ErrorAction Stop | Out-Null
    Write-Output "SUCCESS: scan accepted"
} catch {
    Write-Output "ERROR: $($_.Exception.Message)"
}
`

const cancelScanScript = `
try {
    $cmd = Join-Path $env:ProgramFiles "Windows Defender\MpCmdRun.exe"
    if (Test-Path -LiteralPath $cmd) {
        & $cmd -Cancel | Out-Null
    }
    Get-Process -Name "MpCmdRun" -ErrorAction SilentlyContinue | Stop-Process -Force -ErrorAction SilentlyContinue
    Write-Output "SUCCESS: scan cancellation requested"
} catch {
    Write-Output "ERROR: $($_.Exception.Message)"
}
`

const lastScanSummaryScript = `
$scanType = '%s'
$status = Get-MpComputerStatus
$pattern = switch ($scanType) {
    "quick" { "Quick Scan" }
    "full" { "Full Scan" }
    "custom" { "Custom Scan" }
    default { "" }
}

$events = Get-WinEvent -LogName "Microsoft-Windows-Windows Defender/Operational" -FilterXPath "*[System[(EventID=1001)]]" -ErrorAction SilentlyContinue
$event = $null
if ($pattern -ne "") {
    $event = $events | Where-Object { $_.Message -match $pattern } | Select-Object -First 1
}
if (-not $event) {
    $event = $events | Select-Object -First 1
}

$files = 0
$threats = 0
if ($event -and $event.Message) {
    if ($event.Message -match '(?i)(Scanned files|Number of scanned files|Resources scanned)\s*[:\.]\s*([0-9\s\.,]+)') {
        $files = ($matches[2] -replace '\D', '')
    }
    if ($event.Message -match '(?i)(Threats Found)\s*[:\.]\s*([0-9]+)') {
        $threats = [int]$matches[2]
    }
}

$start = $null
$end = $null
switch ($scanType) {
    "quick" { $start = $status.QuickScanStartTime; $end = $status.QuickScanEndTime }
    "full" { $start = $status.FullScanStartTime; $end = $status.FullScanEndTime }
    default { }
}

$lastScan = $null
if ($end) { $lastScan = $end } elseif ($event) { $lastScan = $event.TimeCreated }

$duration = ""
if ($start -and $end) {
    $span = New-TimeSpan -Start $start -End $end
    $duration = "{0} minutes {1} seconds" -f [int]$span.TotalMinutes, $span.Seconds
}

if (-not $event -and -not $end) {
    Write-Output "ERROR: no summary available yet"
    exit
}

@{
    scan_type = $scanType
    last_scan = if ($lastScan) { $lastScan.ToString('yyyy-MM-dd HH:mm') } else { $null }
    threats_found = [int]$threats
    duration = $duration
    files_scanned = [uint64]$files
} | ConvertTo-Json -Compress
`

const listThreatsScript = `
$detections = Get-MpThreatDetection -ErrorAction SilentlyContinue
if (-not $detections) {
    @{ total_threats = 0; high_severity = 0; medium_severity = 0; low_severity = 0; threats = @() } | ConvertTo-Json -Depth 5 -Compress
    exit
}

$catalog = @{}
Get-MpThreat -ErrorAction SilentlyContinue | ForEach-Object { $catalog[[string]$_.ThreatID] = $_ }

$result = @()
foreach ($d in $detections) {
    $info = $catalog[[string]$d.ThreatID]
    $name = if ($info) { $info.ThreatName } else { "Unknown threat (ID: $($d.ThreatID))" }
    $severity = if ($info) {
        switch ($info.SeverityID) { 1 { "Low" } 2 { "Medium" } 4 { "High" } 5 { "High" } default { "Unknown" } }
    } else { "Unknown" }

    $status = switch ($d.ThreatStatusID) {
        1 { "Active" }
        2 { "Quarantined" }
        3 { "Quarantined" }
        5 { "Allowed" }
        6 { "Removed" }
        102 { "Clean Failed" }
        103 { "Quarantine Failed" }
        104 { "Remove Failed" }
        105 { "Allow Failed" }
        106 { "Abandoned (Removed)" }
        107 { "Block Failed" }
        default { "Unknown ($($d.ThreatStatusID))" }
    }
    $category = switch ($d.ThreatStatusID) {
        2 { "quarantined" }
        3 { "quarantined" }
        6 { "removed" }
        106 { "removed" }
        default { "active" }
    }
    $actionTaken = switch ($d.CleaningActionID) {
        2 { "Quarantine" }
        3 { "Remove" }
        6 { "Allow" }
        8 { "User defined" }
        9 { "No action" }
        10 { "Block" }
        default { "Unknown" }
    }

    $filePath = if ($d.Resources) { $d.Resources[0] -replace "^[^:]+:_", "" } else { "" }
    $fileExists = ($filePath -ne "") -and (Test-Path -LiteralPath $filePath -ErrorAction SilentlyContinue)

    $result += @{
        threat_id = [uint64]$d.ThreatID
        threat_name = $name
        severity = $severity
        status = $status
        category = $category
        file_path = $filePath
        file_exists = [bool]$fileExists
        detected_time = $d.InitialDetectionTime.ToString('yyyy-MM-dd HH:mm:ss')
        action_taken = $actionTaken
    }
}

@{
    total_threats = $result.Count
    high_severity = @($result | Where-Object { $_.severity -eq "High" }).Count
    medium_severity = @($result | Where-Object { $_.severity -eq "Medium" }).Count
    low_severity = @($result | Where-Object { $_.severity -eq "Low" }).Count
    threats = $result
} | ConvertTo-Json -Depth 5 -Compress
`

const quarantineThreatScript = `
try {
    $threat = Get-MpThreatDetection | Where-Object { $_.ThreatID -eq %s }
    if (-not $threat) {
        Write-Output "SUCCESS: threat not found or already handled"
        exit
    }
    if ($threat.ThreatStatusID -eq 2 -or $threat.ThreatStatusID -eq 3) {
        Write-Output "SUCCESS: threat is already quarantined"
        exit
    }
    Remove-MpThreat -ThreatID $threat.ThreatID -ErrorAction Stop
    Write-Output "SUCCESS: threat quarantined"
} catch {
    Write-Output "ERROR: quarantine failed: $($_.Exception.Message)"
}
`

const removeThreatScript = `
try {
    $threat = Get-MpThreatDetection | Where-Object { $_.ThreatID -eq %s }
    if ($threat) {
        Remove-MpThreat -ThreatID $threat.ThreatID -ErrorAction SilentlyContinue
    }
    $filePath = '%s'
    if ($filePath -ne "" -and (Test-Path -LiteralPath $filePath)) {
        try {
            Remove-Item -LiteralPath $filePath -Force -ErrorAction Stop
            Write-Output "SUCCESS: file deleted"
        } catch [System.IO.IOException] {
            Write-Output "PARTIAL: file in use, close the application and try again"
        } catch [System.UnauthorizedAccessException] {
            Write-Output "ERROR: access denied, run as administrator or close the application"
        }
    } else {
        Write-Output "SUCCESS: threat removed"
    }
} catch {
    Write-Output "ERROR: remove failed: $($_.Exception.Message)"
}
`

const restoreThreatScript = `
try {
    $threat = Get-MpThreatDetection | Where-Object { $_.ThreatID -eq %s }
    if (-not $threat) {
        Write-Output "ERROR: threat not found"
        exit
    }
    $info = Get-MpThreat | Where-Object { $_.ThreatID -eq $threat.ThreatID } | Select-Object -First 1
    $cmd = Join-Path $env:ProgramFiles "Windows Defender\MpCmdRun.exe"
    if ($info -and (Test-Path -LiteralPath $cmd)) {
        & $cmd -Restore -Name $info.ThreatName | Out-Null
    }
    if ($threat.Resources) {
        $filePath = $threat.Resources[0] -replace '^[^:]+:_', ''
        Add-MpPreference -ExclusionPath $filePath -ErrorAction Stop
        Write-Output "SUCCESS: file restored and added to exclusions"
    } else {
        Write-Output "ERROR: could not determine the file path"
    }
} catch {
    Write-Output "ERROR: restore failed: $($_.Exception.Message)"
}
`

const allowThreatScript = `
try {
    $filePath = '%s'
    if ($filePath -ne "") {
        Add-MpPreference -ExclusionPath $filePath -ErrorAction Stop
    }
    Add-MpPreference -ThreatIDDefaultAction_Ids %s -ThreatIDDefaultAction_Actions Allow -ErrorAction Stop
    Write-Output "SUCCESS: threat allowed and added to exclusions"
} catch {
    Write-Output "ERROR: allow failed: $($_.Exception.Message)"
}
`

const statusScript = `
$status = Get-MpComputerStatus
$quickEnd = $status.QuickScanEndTime
$fullEnd = $status.FullScanEndTime

$lastScanTime = $null
if ($quickEnd -and $fullEnd) {
    $lastScanTime = if ($quickEnd -gt $fullEnd) { $quickEnd } else { $fullEnd }
} elseif ($quickEnd) {
    $lastScanTime = $quickEnd
} elseif ($fullEnd) {
    $lastScanTime = $fullEnd
}

@{
    is_enabled = [bool]$status.RealTimeProtectionEnabled
    last_scan = if ($lastScanTime) { $lastScanTime.ToString('yyyy-MM-dd HH:mm') } else { $null }
} | ConvertTo-Json -Compress
`

const updateDefinitionsScript = `
try {
    Update-MpSignature -ErrorAction Stop
    Write-Output "SUCCESS: definitions updated"
} catch {
    Write-Output "ERROR: $($_.Exception.Message)"
}
`

const clearThreatHistoryScript = `
try {
    $threats = Get-MpThreatDetection -ErrorAction SilentlyContinue
    $count = 0
    foreach ($threat in $threats) {
        Remove-MpThreat -ThreatID $threat.ThreatID -ErrorAction SilentlyContinue
        $count++
    }
    $paths = @(
        "C:\ProgramData\Microsoft\Windows Defender\Scans\History\Service\DetectionHistory",
        "C:\ProgramData\Microsoft\Windows Defender\Scans\History\CacheManager",
        "C:\ProgramData\Microsoft\Windows Defender\Scans\History\ReportLatency",
        "C:\ProgramData\Microsoft\Windows Defender\Scans\History\Store"
    )
    foreach ($path in $paths) {
        if (Test-Path $path) {
            Remove-Item -LiteralPath $path -Recurse -Force -ErrorAction SilentlyContinue
        }
    }
    Write-Output "SUCCESS: $count threat(s) cleared"
} catch {
    Write-Output "ERROR: clearing threat history failed: $($_.Exception.Message)"
}
`

const scanHistoryScript = `
$status = Get-MpComputerStatus
$history = @()
if ($status.QuickScanStartTime) {
    $history += @{
        scan_type = "quick"
        start_time = $status.QuickScanStartTime.ToString('yyyy-MM-dd HH:mm:ss')
        end_time = if ($status.QuickScanEndTime) { $status.QuickScanEndTime.ToString('yyyy-MM-dd HH:mm:ss') } else { "in progress" }
        threats_found = 0
        files_scanned = 0
    }
}
if ($status.FullScanStartTime) {
    $history += @{
        scan_type = "full"
        start_time = $status.FullScanStartTime.ToString('yyyy-MM-dd HH:mm:ss')
        end_time = if ($status.FullScanEndTime) { $status.FullScanEndTime.ToString('yyyy-MM-dd HH:mm:ss') } else { "in progress" }
        threats_found = 0
        files_scanned = 0
    }
}
ConvertTo-Json -InputObject @($history) -Compress
`

// PowerShell treats the typographic single quotes as string delimiters too,
// so each of them is doubled like the ASCII one
var psQuoter = strings.NewReplacer(
	"'", "''",
	"\u2018", "\u2018\u2018",
	"\u2019", "\u2019\u2019",
	"\u201A", "\u201A\u201A",
	"\u201B", "\u201B\u201B",
)

// psQuote escapes a value for a single-quoted PowerShell string
func psQuote(s string) string {
	return psQuoter.Replace(s)
}

// numericID guards against script injection through threat ids
func numericID(id models.ThreatID) (string, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", fmt.Errorf("threat id is empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("threat id %q is not numeric", s)
		}
	}
	return s, nil
}

// cleanThreatPath normalizes the resource path format the engine reports
func cleanThreatPath(p string) string {
	p = strings.TrimPrefix(strings.TrimSpace(p), "file:_")
	p = strings.ReplaceAll(p, "->", "\\")
	return strings.ReplaceAll(p, "/", "\\")
}

func buildStartScanScript(kind models.ScanKind, path string) (string, error) {
	switch kind {
	case models.ScanKindQuick:
		return fmt.Sprintf(startScanScript, "QuickScan", ""), nil
	case models.ScanKindFull:
		return fmt.Sprintf(startScanScript, "FullScan", ""), nil
	case models.ScanKindCustom:
		if strings.TrimSpace(path) == "" {
			return "", fmt.Errorf("custom scan requires a target path")
		}
		return fmt.Sprintf(startScanScript, "CustomScan", "-ScanPath '"+psQuote(path)+"'"), nil
	default:
		return "", fmt.Errorf("unknown scan kind %q", string(kind))
	}
}

func buildActionScript(id models.ThreatID, action models.ActionKind, filePath string) (string, error) {
	nid, err := numericID(id)
	if err != nil {
		return "", err
	}
	path := psQuote(cleanThreatPath(filePath))

	switch action {
	case models.ActionQuarantine:
		return fmt.Sprintf(quarantineThreatScript, nid), nil
	case models.ActionRemove:
		return fmt.Sprintf(removeThreatScript, nid, path), nil
	case models.ActionRestore:
		return fmt.Sprintf(restoreThreatScript, nid), nil
	case models.ActionAllow:
		return fmt.Sprintf(allowThreatScript, path, nid), nil
	default:
		return "", fmt.Errorf("unknown action %q", string(action))
	}
}
