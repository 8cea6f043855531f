package tradeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("tradeline: validation failed")

const openDateLayout = "2006-01-02"

// ValidationError reports a malformed or incomplete tradeline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tradeline: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Rejection pairs a rejected input with its position in the batch.
type Rejection struct {
	Index int
	Err   error
}

// Validate checks the fields classification and identity resolution rely on.
// Only creditor name, account type and bureau are mandatory.
func (r Record) Validate() error {
	if strings.TrimSpace(r.CreditorName) == "" {
		return &ValidationError{Field: "creditor_name", Reason: "required"}
	}
	if r.AccountType == "" {
		return &ValidationError{Field: "account_type", Reason: "required"}
	}
	if !r.AccountType.Valid() {
		return &ValidationError{Field: "account_type", Reason: fmt.Sprintf("unknown type %q", r.AccountType)}
	}
	if r.Bureau == "" {
		return &ValidationError{Field: "bureau", Reason: "required"}
	}
	if !r.Bureau.Valid() {
		return &ValidationError{Field: "bureau", Reason: fmt.Sprintf("unknown bureau %q", r.Bureau)}
	}
	late := r.Late
	if late.Days30 < 0 || late.Days60 < 0 || late.Days90 < 0 || late.Days120 < 0 {
		return &ValidationError{Field: "late_payments", Reason: "counts must be non-negative"}
	}
	return nil
}

// Parse converts collaborator input into a validated Record.
func Parse(in Input) (Record, error) {
	rec := Record{
		CreditorName:  strings.TrimSpace(in.CreditorName),
		AccountNumber: lastFour(in.AccountNumber),
		AccountType:   AccountType(strings.ToLower(strings.TrimSpace(in.AccountType))),
		Status:        strings.TrimSpace(in.Status),
		Late: LatePayments{
			Days30:  in.Late30,
			Days60:  in.Late60,
			Days90:  in.Late90,
			Days120: in.Late120,
		},
		Bureau: parseBureau(in.Bureau),
	}

	var err error
	if rec.Balance, err = parseAmount("balance", in.Balance); err != nil {
		return Record{}, err
	}
	if rec.CreditLimit, err = parseAmount("credit_limit", in.CreditLimit); err != nil {
		return Record{}, err
	}
	if v := strings.TrimSpace(in.OpenDate); v != "" {
		t, err := time.Parse(openDateLayout, v)
		if err != nil {
			return Record{}, &ValidationError{Field: "open_date", Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", v)}
		}
		rec.OpenDate = &t
	}
	if v := strings.TrimSpace(in.Remarks); v != "" {
		rec.Remarks = &v
	}

	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Ingest parses a report's worth of inputs. Malformed entries are rejected
// individually and never block the rest of the batch.
func Ingest(inputs []Input) ([]Record, []Rejection) {
	accepted := make([]Record, 0, len(inputs))
	var rejected []Rejection
	for i, in := range inputs {
		rec, err := Parse(in)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Err: err})
			continue
		}
		accepted = append(accepted, rec)
	}
	return accepted, rejected
}

func parseAmount(field, raw string) (decimal.NullDecimal, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return decimal.NullDecimal{}, nil
	}
	v = strings.NewReplacer("$", "", ",", "").Replace(v)
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.NullDecimal{}, &ValidationError{Field: field, Reason: fmt.Sprintf("not a decimal: %q", raw)}
	}
	return decimal.NewNullDecimal(d), nil
}

func parseBureau(raw string) Bureau {
	v := strings.TrimSpace(raw)
	for _, b := range Bureaus {
		if strings.EqualFold(v, string(b)) {
			return b
		}
	}
	return Bureau(v)
}

func lastFour(raw string) string {
	digits := make([]rune, 0, len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return string(digits)
}
