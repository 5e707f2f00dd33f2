package models

// AssetType identifies the provider resource kind an Asset was discovered as.
type AssetType string

// Known asset types. Anything else routes as private by default.
const (
	AssetFirewallRule    AssetType = "firewall_rule"
	AssetComputeInstance AssetType = "compute_instance"
	AssetObjectBucket    AssetType = "object_bucket"
	AssetSQLInstance     AssetType = "sql_instance"
	AssetLogSummary      AssetType = "log_summary"
)

// Asset is a cloud resource discovered from the provider.
// Identity is (Type, Name, Region). Metadata carries the typed variant for
// the asset's kind — the router needs structured access, not a serialized blob.
type Asset struct {
	Type     AssetType     `json:"asset_type"`
	Name     string        `json:"name"`
	Region   string        `json:"region,omitempty"`
	Metadata AssetMetadata `json:"metadata"`
}

// AssetMetadata is a tagged union: exactly one variant is set, matching the
// asset's Type. Unknown types carry no variant.
type AssetMetadata struct {
	Firewall *FirewallMetadata `json:"firewall,omitempty"`
	Instance *InstanceMetadata `json:"instance,omitempty"`
	Bucket   *BucketMetadata   `json:"bucket,omitempty"`
	SQL      *SQLMetadata      `json:"sql,omitempty"`
}

// FirewallMetadata mirrors the provider's firewall rule shape.
type FirewallMetadata struct {
	Direction    string              `json:"direction"`
	SourceRanges []string            `json:"source_ranges"`
	Allowed      []FirewallAllowRule `json:"allowed"`
}

// FirewallAllowRule is one allowed protocol + port set on a firewall rule.
type FirewallAllowRule struct {
	IPProtocol string   `json:"ip_protocol"`
	Ports      []string `json:"ports"` // "22" or "lo-hi"; empty = all ports
}

// InstanceMetadata mirrors the provider's compute instance shape.
type InstanceMetadata struct {
	MachineType       string              `json:"machine_type,omitempty"`
	NetworkInterfaces []NetworkInterface  `json:"network_interfaces"`
	ServiceAccounts   []ServiceAccountRef `json:"service_accounts"`
}

// NetworkInterface is one NIC on a compute instance. A non-empty AccessConfigs
// list means the interface has external (NAT) connectivity.
type NetworkInterface struct {
	Network       string         `json:"network,omitempty"`
	AccessConfigs []AccessConfig `json:"access_configs,omitempty"`
}

// AccessConfig is an external access configuration on a NIC.
type AccessConfig struct {
	Type  string `json:"type,omitempty"`
	NatIP string `json:"nat_ip,omitempty"`
}

// ServiceAccountRef is a service account attached to an instance.
type ServiceAccountRef struct {
	Email  string   `json:"email"`
	Scopes []string `json:"scopes,omitempty"`
}

// BucketMetadata mirrors the provider's storage bucket shape.
type BucketMetadata struct {
	Location               string `json:"location,omitempty"`
	StorageClass           string `json:"storage_class,omitempty"`
	PublicAccessPrevention string `json:"public_access_prevention,omitempty"` // "enforced" or "inherited"
}

// SQLMetadata mirrors the provider's managed SQL instance shape.
type SQLMetadata struct {
	DatabaseVersion string         `json:"database_version,omitempty"`
	IPAddresses     []SQLIPAddress `json:"ip_addresses"`
}

// SQLIPAddress is one address assigned to a SQL instance.
// Type "PRIMARY" is the public address; "PRIVATE" is VPC-internal.
type SQLIPAddress struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}
