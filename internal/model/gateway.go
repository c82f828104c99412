package model

type GatewayState string

const (
	GatewayRunning       GatewayState = "running"
	GatewayNotRunning    GatewayState = "not_running"
	GatewayNotResponding GatewayState = "not_responding"
	GatewayError         GatewayState = "error"
)

type GatewayStatus struct {
	OK        bool         `json:"ok"`
	Status    GatewayState `json:"status"`
	ProcessID string       `json:"processId,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type RestartResult struct {
	Success   bool   `json:"success"`
	ProcessID string `json:"processId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type GatewayLogs struct {
	ProcessID string `json:"processId"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
}
