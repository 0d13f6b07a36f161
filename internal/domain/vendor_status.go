package domain

import "strings"

// VendorStatus is the closed vocabulary the external processor reports.
type VendorStatus string

const (
	VendorPending     VendorStatus = "pending"
	VendorPaid        VendorStatus = "paid"
	VendorDepixSent   VendorStatus = "depix_sent"
	VendorSuccess     VendorStatus = "success"
	VendorCompleted   VendorStatus = "completed"
	VendorCanceled    VendorStatus = "canceled"
	VendorCancelled   VendorStatus = "cancelled"
	VendorError       VendorStatus = "error"
	VendorExpired     VendorStatus = "expired"
	VendorUnderReview VendorStatus = "under_review"
	VendorRefunded    VendorStatus = "refunded"
)

var vendorStatusMap = map[VendorStatus]TransactionStatus{
	VendorPending:     StatusPending,
	VendorPaid:        StatusProcessing,
	VendorDepixSent:   StatusCompleted,
	VendorSuccess:     StatusCompleted,
	VendorCompleted:   StatusCompleted,
	VendorCanceled:    StatusFailed,
	VendorCancelled:   StatusFailed,
	VendorError:       StatusFailed,
	VendorExpired:     StatusExpired,
	VendorUnderReview: StatusProcessing,
	VendorRefunded:    StatusFailed,
}

// NormalizeVendorStatus lower-cases and trims a raw processor status.
func NormalizeVendorStatus(raw string) VendorStatus {
	return VendorStatus(strings.ToLower(strings.TrimSpace(raw)))
}

// MapVendorStatus maps a raw processor status into the internal state space.
// Unknown values map to PENDING with known=false; PENDING is never a forward edge
// from any stored status, so unknown input can not move a transaction.
func MapVendorStatus(raw string) (status TransactionStatus, known bool) {
	mapped, ok := vendorStatusMap[NormalizeVendorStatus(raw)]
	if !ok {
		return StatusPending, false
	}
	return mapped, true
}
