package models

import (
	"loan-sync-worker/internal/pkg/consts"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EntityKind names a replicated entity. It doubles as the source table,
// the destination collection and the routing key prefix.
type EntityKind string

const (
	KindUser           EntityKind = consts.UserCollection
	KindSolicitude     EntityKind = consts.SolicitudeCollection
	KindOffer          EntityKind = consts.OfferCollection
	KindLoan           EntityKind = consts.LoanCollection
	KindMonthlyPayment EntityKind = consts.MonthlyPaymentCollection
)

// AllKinds is ordered parents first, which is also the bulk sync order.
var AllKinds = []EntityKind{KindUser, KindSolicitude, KindOffer, KindLoan, KindMonthlyPayment}

func (k EntityKind) String() string { return string(k) }

// Collection returns the destination collection name.
func (k EntityKind) Collection() string { return string(k) }

// Known reports whether k has a typed schema.
func (k EntityKind) Known() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Document is a canonical record ready to be written to its collection.
type Document interface {
	Kind() EntityKind
	BusinessID() int64
	SetInternalID(id primitive.ObjectID)
	// LastUpdated returns the canonical updated_at value, or "" when the
	// entity does not carry one.
	LastUpdated() string
}

// StoredHeader is the part of a stored entity the upsert path reads back.
type StoredHeader struct {
	MongoID   primitive.ObjectID `bson:"_id"`
	ID        int64              `bson:"id"`
	UpdatedAt string             `bson:"updated_at,omitempty"`
}

type User struct {
	MongoID          primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	ID               int64              `bson:"id" json:"id"`
	Name             string             `bson:"name" json:"name"`
	LastName         string             `bson:"last_name" json:"last_name"`
	UserType         string             `bson:"user_type" json:"user_type"`
	Email            *string            `bson:"email" json:"email"`
	AdressVerified   bool               `bson:"adress_verified" json:"adress_verified"`
	IdentityVerified bool               `bson:"identity_verified" json:"identity_verified"`
	CreatedAt        string             `bson:"created_at" json:"created_at"`
}

type Solicitude struct {
	MongoID    primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	ID         int64              `bson:"id" json:"id"`
	BorrowerID *int64             `bson:"borrower_id" json:"borrower_id"`
	LoanAmount float64            `bson:"loan_amount" json:"loan_amount"`
	Status     string             `bson:"status" json:"status"`
	CreatedAt  string             `bson:"created_at" json:"created_at"`
}

type Offer struct {
	MongoID              primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	ID                   int64              `bson:"id" json:"id"`
	SolicitudeID         *int64             `bson:"id_solicitude" json:"id_solicitude"`
	PartnerID            *int64             `bson:"partner_id" json:"partner_id"`
	Interest             float64            `bson:"interest" json:"interest"`
	LoanTerm             int64              `bson:"loan_term" json:"loan_term"`
	MonthlyPayment       float64            `bson:"monthly_payment" json:"monthly_payment"`
	TotalRepaymentAmount float64            `bson:"total_repayment_amount" json:"total_repayment_amount"`
	Status               string             `bson:"status" json:"status"`
	CreatedAt            string             `bson:"created_at" json:"created_at"`
}

type Loan struct {
	MongoID          primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	ID               int64              `bson:"id" json:"id"`
	OfferID          *int64             `bson:"id_offer" json:"id_offer"`
	LoanAmount       float64            `bson:"loan_amount" json:"loan_amount"`
	StartDate        string             `bson:"start_date" json:"start_date"`
	EndDate          *string            `bson:"end_date" json:"end_date"`
	HashBlockchain   string             `bson:"hash_blockchain" json:"hash_blockchain"`
	CurrentStatus    string             `bson:"current_status" json:"current_status"`
	LatePaymentCount int64              `bson:"late_payment_count" json:"late_payment_count"`
	LastStatusUpdate string             `bson:"last_status_update" json:"last_status_update"`
	CreatedAt        string             `bson:"created_at" json:"created_at"`
	UpdatedAt        string             `bson:"updated_at" json:"updated_at"`
}

type MonthlyPayment struct {
	MongoID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	ID              int64              `bson:"id" json:"id"`
	LoanID          *int64             `bson:"id_loan" json:"id_loan"`
	DueDate         string             `bson:"due_date" json:"due_date"`
	PaymentDate     *string            `bson:"payment_date" json:"payment_date"`
	BorrowVerified  bool               `bson:"borrow_verified" json:"borrow_verified"`
	PartnerVerified bool               `bson:"partner_verified" json:"partner_verified"`
	ComprobantFile  string             `bson:"comprobant_file" json:"comprobant_file"`
	DaysLate        int64              `bson:"days_late" json:"days_late"`
	PenaltyAmount   float64            `bson:"penalty_amount" json:"penalty_amount"`
	PaymentStatus   string             `bson:"payment_status" json:"payment_status"`
}

func (u *User) Kind() EntityKind { return KindUser }
func (u *User) BusinessID() int64 { return u.ID }
func (u *User) SetInternalID(id primitive.ObjectID) { u.MongoID = id }
func (u *User) LastUpdated() string { return "" }

func (s *Solicitude) Kind() EntityKind { return KindSolicitude }
func (s *Solicitude) BusinessID() int64 { return s.ID }
func (s *Solicitude) SetInternalID(id primitive.ObjectID) { s.MongoID = id }
func (s *Solicitude) LastUpdated() string { return "" }

func (o *Offer) Kind() EntityKind { return KindOffer }
func (o *Offer) BusinessID() int64 { return o.ID }
func (o *Offer) SetInternalID(id primitive.ObjectID) { o.MongoID = id }
func (o *Offer) LastUpdated() string { return "" }

func (l *Loan) Kind() EntityKind { return KindLoan }
func (l *Loan) BusinessID() int64 { return l.ID }
func (l *Loan) SetInternalID(id primitive.ObjectID) { l.MongoID = id }
func (l *Loan) LastUpdated() string { return l.UpdatedAt }

func (p *MonthlyPayment) Kind() EntityKind { return KindMonthlyPayment }
func (p *MonthlyPayment) BusinessID() int64 { return p.ID }
func (p *MonthlyPayment) SetInternalID(id primitive.ObjectID) { p.MongoID = id }
func (p *MonthlyPayment) LastUpdated() string { return "" }

// RawDocument carries a payload of an entity kind without a typed schema.
// It is stored as received, plus the destination _id on replace.
type RawDocument struct {
	EntityKind EntityKind
	ID         int64
	Fields     map[string]interface{}
}

func (r *RawDocument) Kind() EntityKind { return r.EntityKind }
func (r *RawDocument) BusinessID() int64 { return r.ID }
func (r *RawDocument) SetInternalID(id primitive.ObjectID) {
	if r.Fields == nil {
		r.Fields = map[string]interface{}{}
	}
	r.Fields[consts.InternalIDField] = id
}
// MarshalBSON stores the payload fields themselves.
func (r *RawDocument) MarshalBSON() ([]byte, error) {
	fields := make(map[string]interface{}, len(r.Fields)+1)
	for k, v := range r.Fields {
		fields[k] = v
	}
	fields[consts.BusinessIDField] = r.ID
	return bson.Marshal(fields)
}

func (r *RawDocument) LastUpdated() string {
	if v, ok := r.Fields[consts.UpdatedAtField].(string); ok {
		return v
	}
	return ""
}

// SyncStatus is the single record describing the last bulk sync run.
type SyncStatus struct {
	ID           string           `bson:"_id" json:"-"`
	LastSync     string           `bson:"last_sync" json:"last_sync"`
	StartedAt    string           `bson:"started_at" json:"started_at"`
	SyncedTables []string         `bson:"synced_tables" json:"synced_tables"`
	FailedTables []string         `bson:"failed_tables" json:"failed_tables"`
	Records      map[string]int64 `bson:"records" json:"records"`
}
