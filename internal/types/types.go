package types

import "time"

const (
	DataSourceAPI    = "api"
	DataSourceSample = "sample"

	ConfigTypePolicy = "policy"

	DefaultVendorType = "fortigate"
	UnknownDevice     = "unknown"
)

// SourceSettings describes how to reach a firewall management API.
type SourceSettings struct {
	Address        string `json:"ip_address"`
	Token          string `json:"api_token"`
	VerifyTLS      bool   `json:"verify_ssl"`
	TimeoutSeconds int    `json:"timeout"`
	APIVersion     string `json:"api_version"`
}

// WithDefaults fills unset optional fields.
func (s SourceSettings) WithDefaults() SourceSettings {
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = 30
	}
	if s.APIVersion == "" {
		s.APIVersion = "v2"
	}
	return s
}

// Timeout returns the per-request deadline.
func (s SourceSettings) Timeout() time.Duration {
	return time.Duration(s.WithDefaults().TimeoutSeconds) * time.Second
}

// IngestionRequest is the input of one ingestion. Empty strings mean "not set".
type IngestionRequest struct {
	StoreResult bool
	ForceSample bool
	Source      *SourceSettings
	VendorType  string
	DeviceID    string
	DeviceName  string
}

// DeviceIdentity identifies the system a configuration was taken from.
type DeviceIdentity struct {
	VendorType string `json:"vendor_type"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// ConfigRecord is one persisted ingestion.
type ConfigRecord struct {
	ID          string    `json:"id"`
	VendorType  string    `json:"vendor_type"`
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name"`
	ConfigType  string    `json:"config_type"`
	Config      any       `json:"config_json"`
	Metadata    any       `json:"metadata"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// PolicySample is the display form of one policy in a Summary.
type PolicySample struct {
	Name                 string `json:"name"`
	PolicyID             any    `json:"policy_id"`
	SourceInterface      string `json:"source_interface"`
	DestinationInterface string `json:"destination_interface"`
	Action               string `json:"action"`
}

type Summary struct {
	TotalPolicies  int            `json:"total_policies"`
	SamplePolicies []PolicySample `json:"sample_policies"`
}

// IngestionResult reports the outcome of one ingestion.
type IngestionResult struct {
	Success       bool      `json:"success"`
	PoliciesCount int       `json:"policies_count"`
	Stored        bool      `json:"db_stored"`
	StoredCount   int       `json:"db_count"`
	ConfigID      string    `json:"config_id,omitempty"`
	DataSource    string    `json:"data_source"`
	Summary       *Summary  `json:"summary"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	// FailureCause distinguishes terminal failures: "no_source" or "source_failed".
	FailureCause string `json:"-"`
}

// StatusReport is returned by the status operation.
type StatusReport struct {
	Status           string   `json:"status"`
	SourceConfigured bool     `json:"fortigate_configured"`
	StoreConfigured  bool     `json:"database_configured"`
	TotalPolicies    int      `json:"total_policies_in_db"`
	SampleFiles      []string `json:"sample_files"`
}
