package model

import (
	"strings"
	"time"
)

// OfflineIDPrefix marks reports created without connectivity. Such ids are
// local-only and are replaced by a server-assigned id during sync.
const OfflineIDPrefix = "offline_"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type ReportStatus string

const (
	StatusPending         ReportStatus = "pending"
	StatusApproved        ReportStatus = "approved"
	StatusCurrent         ReportStatus = "current"
	StatusRejected        ReportStatus = "rejected"
	StatusAdminResponding ReportStatus = "admin_responding"
	StatusAdminOnSite     ReportStatus = "admin_on_site"
)

// ValidStatus reports whether s is one of the known report statuses.
func ValidStatus(s ReportStatus) bool {
	switch s {
	case StatusPending, StatusApproved, StatusCurrent, StatusRejected,
		StatusAdminResponding, StatusAdminOnSite:
		return true
	}
	return false
}

// LatLng is a geographic coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Report is a disaster/incident record. The id is immutable once assigned;
// status transitions are server-authoritative.
type Report struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Description string       `json:"description,omitempty"`
	Location    *LatLng      `json:"location,omitempty"`
	Address     string       `json:"address,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	UserID      string       `json:"userId,omitempty"`
	UserName    string       `json:"userName,omitempty"`
	Severity    Severity     `json:"severity,omitempty"`
	Status      ReportStatus `json:"status"`
	Category    string       `json:"category,omitempty"`
	Subcategory string       `json:"subcategory,omitempty"`
	Icon        string       `json:"icon,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	UpdatedAt   *time.Time   `json:"updatedAt,omitempty"`

	// Admin-response extension, set through the authorization-gated REST
	// endpoint (auth itself is external to this service).
	AdminID                string   `json:"adminId,omitempty"`
	AdminLocation          *LatLng  `json:"adminLocation,omitempty"`
	RouteCoordinates       []LatLng `json:"routeCoordinates,omitempty"`
	EstimatedTimeOfArrival string   `json:"estimatedTimeOfArrival,omitempty"`
}

// IsOffline reports whether the record carries a local-only offline id.
func (r *Report) IsOffline() bool {
	return strings.HasPrefix(r.ID, OfflineIDPrefix)
}

// AdminResponse is the payload of the external admin-response endpoint.
type AdminResponse struct {
	AdminResponse          string   `json:"adminResponse"` // en_route | on_site
	AdminID                string   `json:"adminId"`
	AdminLocation          *LatLng  `json:"adminLocation,omitempty"`
	RouteCoordinates       []LatLng `json:"routeCoordinates,omitempty"`
	EstimatedTimeOfArrival string   `json:"estimatedTimeOfArrival,omitempty"`
}

// StatusForAdminResponse maps an admin response kind to the report status it
// implies. Unknown kinds map to empty.
func StatusForAdminResponse(kind string) ReportStatus {
	switch kind {
	case "en_route":
		return StatusAdminResponding
	case "on_site":
		return StatusAdminOnSite
	}
	return ""
}
