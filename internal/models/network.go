package models

import "time"

// NetworkState is the classified connectivity of the device.
type NetworkState string

const (
	NetworkOffline        NetworkState = "offline"
	NetworkOnlineUnstable NetworkState = "online-unstable"
	NetworkOnlineGood     NetworkState = "online-good"
)

// Online reports whether any remote call may be attempted.
func (s NetworkState) Online() bool {
	return s == NetworkOnlineUnstable || s == NetworkOnlineGood
}

// NetworkSnapshot is the ephemeral classification with its backing metrics.
type NetworkSnapshot struct {
	State     NetworkState  `json:"state"`
	RTT       time.Duration `json:"rtt"`
	LinkType  string        `json:"linkType,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// CollectionStatus is the per-collection status indicator payload.
type CollectionStatus struct {
	Collection   string     `json:"collection"`
	Pending      int        `json:"pending"`
	Failed       int        `json:"failed"`
	Conflicted   int        `json:"conflicted"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
}
