// Package catalog is the single source of truth for the closed set of
// drift check types the scanners (driftscan, linuxscan, netscan) know how
// to produce, along with each check's HIPAA control citation. The
// Evidence Builder cross-joins scanned hosts against this catalog so
// every bundle enumerates full coverage, not just observed failures.
package catalog

// Platform identifies which scanner owns a check type.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformNetwork Platform = "network"
)

// Check describes one entry in the closed check-type enumeration.
type Check struct {
	Type         string
	Platform     Platform
	HIPAAControl string
}

// Windows holds the 19 Windows check types, in driftscan.go's evaluation order.
var Windows = []Check{
	{"firewall_status", PlatformWindows, "164.312(a)(1)"},
	{"windows_defender", PlatformWindows, "164.308(a)(5)(ii)(B)"},
	{"windows_update", PlatformWindows, "164.308(a)(5)(ii)(A)"},
	{"audit_logging", PlatformWindows, "164.312(b)"},
	{"rogue_admin_users", PlatformWindows, "164.312(a)(1)"},
	{"rogue_scheduled_tasks", PlatformWindows, "164.308(a)(1)(ii)(D)"},
	{"agent_status", PlatformWindows, ""},
	{"bitlocker_status", PlatformWindows, "164.312(a)(2)(iv)"},
	{"smb_signing", PlatformWindows, "164.312(e)(2)(ii)"},
	{"smb1_protocol", PlatformWindows, "164.312(e)(1)"},
	{"screen_lock_policy", PlatformWindows, "164.312(a)(2)(iii)"},
	{"defender_exclusions", PlatformWindows, "164.308(a)(5)(ii)(B)"},
	{"dns_config", PlatformWindows, "164.312(e)(1)"},
	{"network_profile", PlatformWindows, "164.312(e)(1)"},
	{"password_policy", PlatformWindows, "164.312(d)"},
	{"rdp_nla", PlatformWindows, "164.312(d)"},
	{"guest_account", PlatformWindows, "164.312(a)(1)"},
	{"service_dns", PlatformWindows, "164.312(a)(1)"},
	{"service_netlogon", PlatformWindows, "164.312(a)(1)"},
}

// Linux holds the 15 Linux check types, in linuxscan.go's evaluation order.
var Linux = []Check{
	{"linux_firewall", PlatformLinux, "164.312(e)(1)"},
	{"linux_ssh_config", PlatformLinux, "164.312(a)(2)(i)"},
	{"linux_failed_services", PlatformLinux, "164.308(a)(5)(ii)(B)"},
	{"linux_disk_space", PlatformLinux, "164.308(a)(7)(ii)(A)"},
	{"linux_suid_binaries", PlatformLinux, "164.312(a)(1)"},
	{"linux_audit_logging", PlatformLinux, "164.312(b)"},
	{"linux_ntp_sync", PlatformLinux, "164.312(b)"},
	{"linux_kernel_params", PlatformLinux, "164.312(e)(1)"},
	{"linux_open_ports", PlatformLinux, "164.312(e)(1)"},
	{"linux_user_accounts", PlatformLinux, "164.312(a)(1)"},
	{"linux_file_permissions", PlatformLinux, "164.312(a)(1)"},
	{"linux_unattended_upgrades", PlatformLinux, "164.308(a)(5)(ii)(A)"},
	{"linux_log_forwarding", PlatformLinux, "164.312(b)"},
	{"linux_cron_review", PlatformLinux, "164.308(a)(1)(ii)(D)"},
	{"linux_cert_expiry", PlatformLinux, "164.312(e)(2)(ii)"},
}

// Network holds the 4 network check types.
var Network = []Check{
	{"net_unexpected_ports", PlatformNetwork, "164.312(e)(1)"},
	{"net_expected_service", PlatformNetwork, "164.308(a)(7)(ii)(A)"},
	{"net_host_reachability", PlatformNetwork, "164.308(a)(7)(ii)(A)"},
	{"net_dns_resolution", PlatformNetwork, "164.312(e)(1)"},
}

// All returns the full 38-entry catalog across all three platforms, in a
// stable order: Windows, then Linux, then Network.
func All() []Check {
	out := make([]Check, 0, len(Windows)+len(Linux)+len(Network))
	out = append(out, Windows...)
	out = append(out, Linux...)
	out = append(out, Network...)
	return out
}

// ForPlatform returns the catalog entries for one Platform constant
// (Windows, Linux or Network). Any other value returns nil; the Windows
// and Linux lists do not include the Network checks.
func ForPlatform(p Platform) []Check {
	switch p {
	case PlatformWindows:
		return Windows
	case PlatformLinux:
		return Linux
	case PlatformNetwork:
		return Network
	default:
		return nil
	}
}

// HIPAAControl looks up the control citation for a check type, or "" if
// the check (e.g. agent_status) carries none.
func HIPAAControl(checkType string) string {
	for _, c := range All() {
		if c.Type == checkType {
			return c.HIPAAControl
		}
	}
	return ""
}
