package normalizer

import "loan-sync-worker/internal/pkg/store/models"

const (
	defaultUserType      = "prestatario"
	defaultOfferStatus   = "pendiente"
	defaultLoanStatus    = "al_dia"
	defaultPaymentStatus = "pendiente"
)

type builder func(r *reader, id int64) models.Document

// registry holds one builder per entity kind. Aliases list producer-side
// paths; every field also matches its own snake, camel and Pascal spelling.
var registry = map[models.EntityKind]builder{
	models.KindUser: func(r *reader, id int64) models.Document {
		return &models.User{
			ID:               id,
			Name:             r.String("name", ""),
			LastName:         r.String("last_name", ""),
			UserType:         r.String("user_type", defaultUserType),
			Email:            r.NullableString("email"),
			AdressVerified:   r.Bool("adress_verified"),
			IdentityVerified: r.Bool("identity_verified"),
			CreatedAt:        r.Date("created_at"),
		}
	},
	models.KindSolicitude: func(r *reader, id int64) models.Document {
		return &models.Solicitude{
			ID:         id,
			BorrowerID: r.Ref("borrower_id", "borrower.id", "borrowerId", "borrower"),
			LoanAmount: r.Float("loan_amount"),
			Status:     r.String("status", ""),
			CreatedAt:  r.Date("created_at"),
		}
	},
	models.KindOffer: func(r *reader, id int64) models.Document {
		return &models.Offer{
			ID:                   id,
			SolicitudeID:         r.Ref("id_solicitude", "solicitude.id", "solicitudeId", "solicitude"),
			PartnerID:            r.Ref("partner_id", "partner.id", "partnerId", "partner"),
			Interest:             r.Float("interest"),
			LoanTerm:             r.Int("loan_term"),
			MonthlyPayment:       r.Float("monthly_payment"),
			TotalRepaymentAmount: r.Float("total_repayment_amount"),
			Status:               r.String("status", defaultOfferStatus),
			CreatedAt:            r.Date("created_at"),
		}
	},
	models.KindLoan: func(r *reader, id int64) models.Document {
		return &models.Loan{
			ID:               id,
			OfferID:          r.Ref("id_offer", "offer.id", "offer", "offerId"),
			LoanAmount:       r.Float("loan_amount"),
			StartDate:        r.Date("start_date"),
			EndDate:          r.OptionalDate("end_date"),
			HashBlockchain:   r.String("hash_blockchain", ""),
			CurrentStatus:    r.String("current_status", defaultLoanStatus),
			LatePaymentCount: r.Int("late_payment_count"),
			LastStatusUpdate: r.Date("last_status_update"),
			CreatedAt:        r.Date("created_at"),
			UpdatedAt:        r.Date("updated_at"),
		}
	},
	models.KindMonthlyPayment: func(r *reader, id int64) models.Document {
		return &models.MonthlyPayment{
			ID:              id,
			LoanID:          r.Ref("id_loan", "loanId", "loan.id", "loan"),
			DueDate:         r.Date("due_date"),
			PaymentDate:     r.OptionalDate("payment_date"),
			BorrowVerified:  r.Bool("borrow_verified"),
			PartnerVerified: r.Bool("partner_verified"),
			ComprobantFile:  r.String("comprobant_file", ""),
			DaysLate:        r.Int("days_late"),
			PenaltyAmount:   r.Float("penalty_amount"),
			PaymentStatus:   r.String("payment_status", defaultPaymentStatus),
		}
	},
}
