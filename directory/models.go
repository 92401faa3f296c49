package directory

import (
	"time"

	"github.com/shovinmd/arcular-plus-backend-sub000/geo"
)

// ProviderType enumerates the provider kinds the directory tracks.
type ProviderType string

const (
	TypeHospital ProviderType = "hospital"
	TypeDoctor   ProviderType = "doctor"
	TypeNurse    ProviderType = "nurse"
	TypeLab      ProviderType = "lab"
	TypePharmacy ProviderType = "pharmacy"
)

// ProviderTypes lists every registered provider kind.
func ProviderTypes() []ProviderType {
	return []ProviderType{TypeHospital, TypeDoctor, TypeNurse, TypeLab, TypePharmacy}
}

// ApprovalStatus is the provider approval lifecycle.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

// Responder mirrors the responders table.
type Responder struct {
	ID              string
	ProviderType    ProviderType
	Name            string
	Email           *string
	Phone           *string
	Status          ApprovalStatus
	Verified        bool
	ApprovedBy      *string
	ApprovalNotes   *string
	RejectionReason *string
	Point           geo.Point
	Address         *string
	City            *string
	State           *string
	PostalCode      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (r Responder) summary() geo.Responder {
	s := geo.Responder{ID: r.ID, Name: r.Name, Point: r.Point}
	if r.Phone != nil {
		s.Phone = *r.Phone
	}
	if r.Email != nil {
		s.Email = *r.Email
	}
	return s
}

// CreateParams enumerates the fields required to register a responder.
type CreateParams struct {
	ProviderType ProviderType
	Name         string
	Email        string
	Phone        string
	Point        geo.Point
	Address      string
	City         string
	State        string
	PostalCode   string
}
