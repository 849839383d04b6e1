package consts

// Destination collections. Entity collections share their name with the source table.
const (
	UserCollection           = "user"
	SolicitudeCollection     = "solicitude"
	OfferCollection          = "offer"
	LoanCollection           = "loan"
	MonthlyPaymentCollection = "monthly_payment"
	SyncStatusCollection     = "sync_status"
)

const (
	BusinessIDField   = "id"
	InternalIDField   = "_id"
	UpdatedAtField    = "updated_at"
	SyncStatusDocID   = "bulk_sync"
	BusinessIDIndex   = "uniq_business_id"
	CanonicalDateTime = "2006-01-02T15:04:05"
)
