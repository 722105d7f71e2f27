package collection

import "github.com/Gyimahp52/michael-school-portal-sub002/internal/models"

// Defaults returns the school administration collections. Anything with a
// same-day operational consequence (attendance, money) is high priority.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			Name: "attendance",
			Tier: models.TierHigh,
			Fields: []Field{
				{Name: "studentId", Kind: KindString, Required: true},
				{Name: "classId", Kind: KindString, Required: true},
				{Name: "date", Kind: KindString, Required: true},
				{Name: "status", Kind: KindString, Required: true, Enum: []string{"present", "absent", "late", "excused"}},
				{Name: "note", Kind: KindString},
			},
		},
		{
			Name: "balances",
			Tier: models.TierHigh,
			Fields: []Field{
				{Name: "studentId", Kind: KindString, Required: true},
				{Name: "amount", Kind: KindNumber, Required: true},
				{Name: "currency", Kind: KindString},
			},
		},
		{
			Name: "invoices",
			Tier: models.TierHigh,
			Fields: []Field{
				{Name: "studentId", Kind: KindString, Required: true},
				{Name: "amount", Kind: KindNumber, Required: true},
				{Name: "dueDate", Kind: KindString, Required: true},
				{Name: "status", Kind: KindString, Enum: []string{"open", "partial", "paid", "void"}},
				{Name: "items", Kind: KindArray},
			},
		},
		{
			Name: "payments",
			Tier: models.TierHigh,
			// Money is never overwritten silently.
			Strategy: "manual",
			Fields: []Field{
				{Name: "invoiceId", Kind: KindString, Required: true},
				{Name: "studentId", Kind: KindString, Required: true},
				{Name: "amount", Kind: KindNumber, Required: true},
				{Name: "method", Kind: KindString, Required: true, Enum: []string{"cash", "mobileMoney", "bank", "card"}},
				{Name: "paidAt", Kind: KindString},
				{Name: "receivedBy", Kind: KindString},
			},
		},
		{
			Name: "grades",
			Tier: models.TierMedium,
			Fields: []Field{
				{Name: "studentId", Kind: KindString, Required: true},
				{Name: "subject", Kind: KindString, Required: true},
				{Name: "term", Kind: KindString, Required: true},
				{Name: "score", Kind: KindNumber, Required: true},
				{Name: "remarks", Kind: KindString},
			},
		},
		{
			Name: "students",
			Tier: models.TierMedium,
			Fields: []Field{
				{Name: "firstName", Kind: KindString, Required: true},
				{Name: "lastName", Kind: KindString, Required: true},
				{Name: "classId", Kind: KindString},
				{Name: "guardianPhone", Kind: KindString},
				{Name: "active", Kind: KindBool},
			},
		},
		{
			Name: "classes",
			Tier: models.TierMedium,
			Fields: []Field{
				{Name: "name", Kind: KindString, Required: true},
				{Name: "teacherId", Kind: KindString},
				{Name: "capacity", Kind: KindInteger},
			},
		},
		{
			Name: "messages",
			Tier: models.TierLow,
			Fields: []Field{
				{Name: "recipient", Kind: KindString, Required: true},
				{Name: "body", Kind: KindString, Required: true},
				{Name: "channel", Kind: KindString, Enum: []string{"whatsapp", "sms"}},
			},
		},
		{
			Name: "announcements",
			Tier: models.TierLow,
			Fields: []Field{
				{Name: "title", Kind: KindString, Required: true},
				{Name: "body", Kind: KindString, Required: true},
				{Name: "audience", Kind: KindArray},
			},
		},
	}
}
