package model

// DeviceDetails are the self-reported attributes of a device. The gateway
// forwards them as-is, so they are stored as a JSON document.
type DeviceDetails struct {
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	ClientMode  string `json:"clientMode,omitempty"`
	Role        string `json:"role,omitempty"`
	RemoteIP    string `json:"remoteIp,omitempty"`
}

type PendingDeviceRequest struct {
	RequestID string `json:"requestId"`
	DeviceID  string `json:"deviceId,omitempty"`
	DeviceDetails
	Ts int64 `json:"ts"` // epoch ms
}

type PairedDevice struct {
	DeviceID string `json:"deviceId"`
	DeviceDetails
	ApprovedAtMs int64 `json:"approvedAtMs"`
}

// PairingIdentity is the id a paired record is keyed on. Requests without a
// stable device id are paired under their request id.
func (r PendingDeviceRequest) PairingIdentity() string {
	if r.DeviceID != "" {
		return r.DeviceID
	}
	return r.RequestID
}

type CreatePendingRequestParams struct {
	RequestID string
	DeviceID  string
	Details   DeviceDetails
	Ts        int64
}

type DeviceList struct {
	Pending    []PendingDeviceRequest `json:"pending"`
	Paired     []PairedDevice         `json:"paired"`
	Error      string                 `json:"error,omitempty"`
	ParseError string                 `json:"parseError,omitempty"`
}

type ApproveResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ApproveAllResult struct {
	ApprovedCount int      `json:"approvedCount"`
	Failed        []string `json:"failed"`
}
