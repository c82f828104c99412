package model

type WebhookEnvelope struct {
	Source  string
	Secret  string
	RawBody string
}

type RelayResult struct {
	OK     bool `json:"ok"`
	Status int  `json:"status,omitempty"`
}

// HookDelivery is the body accepted by the gateway's event intake endpoint.
type HookDelivery struct {
	Message    string                       `json:"message"`
	Deliver    map[string]map[string]string `json:"deliver"`
	SessionKey string                       `json:"sessionKey"`
}
