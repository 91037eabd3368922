package model

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

type ServerState string

const (
	ServerStateNotInstalled ServerState = "not_installed"
	ServerStateConfiguring  ServerState = "configuring"
	ServerStateIdle         ServerState = "idle"
	ServerStateActive       ServerState = "active"
	ServerStateLost         ServerState = "lost"
)

type AccessPointMode string

const (
	AccessPointModePublic        AccessPointMode = "public"
	AccessPointModePublicInToken AccessPointMode = "public_in_token"
	AccessPointModePrivate       AccessPointMode = "private"
)

type AccessPoint struct {
	IP       string          `db:"ip" json:"ip"`
	Port     int             `db:"port" json:"port"`
	Mode     AccessPointMode `db:"mode" json:"mode"`
	IsListen bool            `db:"is_listen" json:"is_listen"`
}

// IsIPv6 reports the address family of the access point. Unparseable
// addresses count as IPv4 so they never satisfy an IPv6-only client.
func (p AccessPoint) IsIPv6() bool {
	addr, err := netip.ParseAddr(p.IP)
	if err != nil {
		return false
	}
	return addr.Is6() && !addr.Is4In6()
}

func (p AccessPoint) EndPoint() string {
	addr, err := netip.ParseAddr(p.IP)
	if err == nil {
		return netip.AddrPortFrom(addr, uint16(p.Port)).String()
	}
	return p.IP
}

type ServerFarm struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ProjectID uuid.UUID `db:"project_id" json:"project_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Server struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	FarmID           uuid.UUID     `db:"farm_id" json:"farm_id"`
	Name             string        `db:"name" json:"name"`
	Version          string        `db:"version" json:"version"`
	Location         string        `db:"location" json:"location"`
	LogicalCoreCount int           `db:"logical_core_count" json:"logical_core_count"`
	State            ServerState   `db:"state" json:"state"`
	ConfigCode       uuid.UUID     `db:"config_code" json:"config_code"`
	AccessPoints     []AccessPoint `db:"access_points" json:"access_points"`
	ConfiguredAt     *time.Time    `db:"configured_at" json:"configured_at,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`

	// LastStatus is the most recent status report, populated by the cache.
	// It is not a column of the servers table.
	LastStatus *ServerStatus `db:"-" json:"last_status,omitempty"`
}

// ServerStatus rows form a time series in the hot store; only the latest
// row per server keeps IsLast after a Sync pass.
type ServerStatus struct {
	ID              int64     `db:"id" json:"id"`
	ServerID        uuid.UUID `db:"server_id" json:"server_id"`
	SessionCount    int       `db:"session_count" json:"session_count"`
	TunnelSendSpeed int64     `db:"tunnel_send_speed" json:"tunnel_send_speed"`
	CPUUsage        int       `db:"cpu_usage" json:"cpu_usage"`
	FreeMemory      int64     `db:"free_memory" json:"free_memory"`
	ConfigCode      uuid.UUID `db:"config_code" json:"config_code"`
	IsLast          bool      `db:"is_last" json:"is_last"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
