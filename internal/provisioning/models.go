// Package provisioning implements the Control Plane endpoints an appliance
// uses before and during onboarding: claiming a provisioned site by
// one-time code, reporting AD domain discovery and enumeration results,
// and storing the domain credentials operators enter through the client
// portal. These were listed in spec §6.1 without a dedicated module; the
// teacher's discovery.DiscoveredDomain / discovery.ADComputer /
// discovery.EnumerationResult wire shapes are reused here, with site_id and
// appliance_id added to the two request bodies.
package provisioning

import "time"

// ClaimRequest is the body of POST /api/provision/claim.
type ClaimRequest struct {
	ClaimCode  string `json:"claim_code"`
	Hostname   string `json:"hostname"`
	MACAddress string `json:"mac_address"`
}

// ClaimResponse returns the credentials an appliance needs to start
// checking in once its claim code has been redeemed.
type ClaimResponse struct {
	SiteID string `json:"site_id"`
	APIKey string `json:"api_key"`
}

// DiscoveredDomain is the body of POST /api/appliances/domain-discovered:
// the fields of discovery.DiscoveredDomain plus site_id and appliance_id,
// which discovery.DiscoveredDomain does not have.
type DiscoveredDomain struct {
	SiteID            string   `json:"site_id"`
	ApplianceID       string   `json:"appliance_id"`
	DomainName        string   `json:"domain_name"`
	NetBIOSName       string   `json:"netbios_name"`
	DomainControllers []string `json:"domain_controllers"`
	DNSServers        []string `json:"dns_servers"`
	DiscoveredAt      string   `json:"discovered_at"`
	DiscoveryMethod   string   `json:"discovery_method"`
}

// ADComputer mirrors discovery.ADComputer.
type ADComputer struct {
	Hostname           string  `json:"hostname"`
	FQDN               string  `json:"fqdn"`
	IPAddress          *string `json:"ip_address,omitempty"`
	OSName             string  `json:"os_name"`
	OSVersion          string  `json:"os_version"`
	IsServer           bool    `json:"is_server"`
	IsWorkstation      bool    `json:"is_workstation"`
	IsDomainController bool    `json:"is_domain_controller"`
	OUPath             string  `json:"ou_path"`
	LastLogon          *string `json:"last_logon,omitempty"`
	Enabled            bool    `json:"enabled"`
}

// EnumerationResult is the body of POST /api/appliances/enumeration-results,
// mirroring discovery.EnumerationResult plus the site/appliance wrapper.
type EnumerationResult struct {
	SiteID       string       `json:"site_id"`
	ApplianceID  string       `json:"appliance_id"`
	Servers      []ADComputer `json:"servers"`
	Workstations []ADComputer `json:"workstations"`
	Reachable    []ADComputer `json:"reachable"`
	Unreachable  []ADComputer `json:"unreachable"`
	EnumeratedAt string       `json:"enumerated_at"`
	TotalFound   int          `json:"total_found"`
}

// DomainCredentials is the body of both GET and POST
// /api/sites/{id}/domain-credentials. Per spec's Non-goals, secret-sealing
// at rest is out of scope for this exercise; the password column is stored
// as provided (protected only by the same DB access controls as every
// other provisioning row), same as the teacher stores SSH/WinRM
// credentials today.
type DomainCredentials struct {
	SiteID           string    `json:"site_id"`
	DomainController string    `json:"domain_controller"`
	Domain           string    `json:"domain"`
	Username         string    `json:"username"`
	Password         string    `json:"password,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}
