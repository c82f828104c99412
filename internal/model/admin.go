package model

import (
	"time"
)

// AdminSession is stored in Redis under the HMAC of the cookie token.
type AdminSession struct {
	TokenHash string    `json:"-"`
	RemoteIP  string    `json:"remoteIp,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
