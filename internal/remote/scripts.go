package remote

// probeScript returns the operating system caption, e.g.
// "Microsoft Windows Server 2008 R2 Standard".
const probeScript = `(Get-WmiObject Win32_OperatingSystem).Caption`

// legacyMarker in the probe output selects the delimited-text script.
// Windows Server 2008 ships a PowerShell without ConvertTo-Json.
const legacyMarker = "2008"

// Labels written by legacyScript, one field per line.
const (
	labelName        = "Name"
	labelVersion     = "Version"
	labelPublisher   = "Publisher"
	labelInstallDate = "Installiert"
	labelSize        = "Größe"
	recordSeparator  = "---"
)

// legacyScript emits one block per application terminated by a dashed line,
// base64 encoded as UTF-8.
const legacyScript = `$lines = @()
$software = Get-ItemProperty HKLM:\Software\Wow6432Node\Microsoft\Windows\CurrentVersion\Uninstall\* |
    Select-Object DisplayName, DisplayVersion, Publisher, InstallDate, EstimatedSize
$software += Get-ItemProperty HKLM:\Software\Microsoft\Windows\CurrentVersion\Uninstall\* |
    Select-Object DisplayName, DisplayVersion, Publisher, InstallDate, EstimatedSize
$software = $software | Where-Object { $_.DisplayName -ne $null } | Sort-Object DisplayName
foreach ($item in $software) {
    $lines += "Name       : $($item.DisplayName)"
    $lines += "Version    : $($item.DisplayVersion)"
    $lines += "Publisher  : $($item.Publisher)"
    $lines += "Installiert: $($item.InstallDate)"
    $lines += "Größe      : $($item.EstimatedSize) KB"
    $lines += "-------------------------------"
}
$fullText = $lines -join "` + "`r`n" + `"
$bytes = [System.Text.Encoding]::UTF8.GetBytes($fullText)
[Convert]::ToBase64String($bytes)
`

// modernScript emits a JSON array of {Name, Publisher, InstallDate, Size,
// Version} objects, base64 encoded as UTF-8. A single application is emitted
// by ConvertTo-Json as a bare object.
const modernScript = `$software = Get-ItemProperty HKLM:\Software\Wow6432Node\Microsoft\Windows\CurrentVersion\Uninstall\* |
    Select-Object DisplayName, DisplayVersion, Publisher, InstallDate, EstimatedSize

$software += Get-ItemProperty HKLM:\Software\Microsoft\Windows\CurrentVersion\Uninstall\* |
    Select-Object DisplayName, DisplayVersion, Publisher, InstallDate, EstimatedSize

$software = $software | Where-Object { $_.DisplayName -ne $null } |
    ForEach-Object {
        [PSCustomObject]@{
            Name        = if ($_.DisplayName) { $_.DisplayName } else { $null }
            Publisher   = if ($_.Publisher) { $_.Publisher } else { $null }
            InstallDate = if ($_.InstallDate) { $_.InstallDate } else { $null }
            Size        = if ($_.EstimatedSize) { $_.EstimatedSize } else { 0 }
            Version     = if ($_.DisplayVersion) { $_.DisplayVersion } else { $null }
        }
    } |
    Sort-Object Name

$json = $software | ConvertTo-Json -Depth 3
$bytes = [System.Text.Encoding]::UTF8.GetBytes($json)
[Convert]::ToBase64String($bytes)
`
