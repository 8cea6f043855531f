package tradeline

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies the product behind a tradeline.
type AccountType string

const (
	AccountCreditCard   AccountType = "credit_card"
	AccountMortgage     AccountType = "mortgage"
	AccountAutoLoan     AccountType = "auto_loan"
	AccountStudentLoan  AccountType = "student_loan"
	AccountPersonalLoan AccountType = "personal_loan"
	AccountOther        AccountType = "other"
)

// Valid reports whether t is one of the known account types.
func (t AccountType) Valid() bool {
	switch t {
	case AccountCreditCard, AccountMortgage, AccountAutoLoan, AccountStudentLoan, AccountPersonalLoan, AccountOther:
		return true
	default:
		return false
	}
}

// Bureau is one of the three US credit reporting agencies.
type Bureau string

const (
	Equifax    Bureau = "Equifax"
	TransUnion Bureau = "TransUnion"
	Experian   Bureau = "Experian"
)

// Bureaus lists every bureau in canonical order.
var Bureaus = []Bureau{Equifax, TransUnion, Experian}

// Valid reports whether b is a known bureau.
func (b Bureau) Valid() bool {
	switch b {
	case Equifax, TransUnion, Experian:
		return true
	default:
		return false
	}
}

// LatePayments holds delinquency counts per aging bucket.
type LatePayments struct {
	Days30  int
	Days60  int
	Days90  int
	Days120 int
}

// Record is one account as reported by one bureau in one credit report.
// It is never mutated after classification; a re-upload produces a new Record.
type Record struct {
	CreditorName  string
	AccountNumber string // last four digits only
	AccountType   AccountType
	Status        string
	Balance       decimal.NullDecimal
	CreditLimit   decimal.NullDecimal
	Late          LatePayments
	OpenDate      *time.Time
	Remarks       *string
	Bureau        Bureau
}

// HasPositiveBalance reports whether a balance is present and greater than zero.
func (r Record) HasPositiveBalance() bool {
	return r.Balance.Valid && r.Balance.Decimal.IsPositive()
}

// Input is the shape handed over by the report parsing collaborator.
// Decimals and dates arrive as strings and are converted by Parse.
type Input struct {
	CreditorName  string `yaml:"creditor_name" json:"creditor_name"`
	AccountNumber string `yaml:"account_number" json:"account_number"`
	AccountType   string `yaml:"account_type" json:"account_type"`
	Status        string `yaml:"status" json:"status"`
	Balance       string `yaml:"balance" json:"balance,omitempty"`
	CreditLimit   string `yaml:"credit_limit" json:"credit_limit,omitempty"`
	Late30        int    `yaml:"late_30" json:"late_30"`
	Late60        int    `yaml:"late_60" json:"late_60"`
	Late90        int    `yaml:"late_90" json:"late_90"`
	Late120       int    `yaml:"late_120" json:"late_120"`
	OpenDate      string `yaml:"open_date" json:"open_date,omitempty"`
	Remarks       string `yaml:"remarks" json:"remarks,omitempty"`
	Bureau        string `yaml:"bureau" json:"bureau"`
}
