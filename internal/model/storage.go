package model

import "time"

type StorageCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	AccountID       string
	Bucket          string
}

// Missing lists the absent credential names in a fixed order.
func (c StorageCredentials) Missing() []string {
	var missing []string
	if c.AccessKeyID == "" {
		missing = append(missing, "accessKey")
	}
	if c.SecretAccessKey == "" {
		missing = append(missing, "secretKey")
	}
	if c.AccountID == "" {
		missing = append(missing, "accountId")
	}
	return missing
}

func (c StorageCredentials) Configured() bool {
	return len(c.Missing()) == 0
}

type StorageStatus struct {
	Configured bool       `json:"configured"`
	Missing    []string   `json:"missing,omitempty"`
	LastSync   *time.Time `json:"lastSync"`
}

// ProbeResult is the outcome of one mount diagnostic. A failed probe keeps
// whatever output it collected next to its error string.
type ProbeResult struct {
	OK       bool   `json:"ok"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

type MountDiagnostics struct {
	MountPath    string       `json:"mountPath"`
	MountTable   ProbeResult  `json:"mountTable"`
	HelperBinary ProbeResult  `json:"helperBinary"`
	HelperPath   string       `json:"helperPath,omitempty"`
	DataDir      ProbeResult  `json:"dataDir"`
	BucketAccess *ProbeResult `json:"bucketAccess,omitempty"`
	CheckedAt    time.Time    `json:"checkedAt"`
}

type SyncResult struct {
	Success  bool       `json:"success"`
	LastSync *time.Time `json:"lastSync,omitempty"`
	Error    string     `json:"error,omitempty"`
}
