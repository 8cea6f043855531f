// Package identity derives a stable logical key for a tradeline so the same
// account reported by several bureaus, or re-uploaded later, maps to one
// identity. Matching is exact on the normalized key; creditor-name variants
// that normalize differently stay separate identities.
package identity

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	"disputeflow/tradeline"
)

// namespace seeds the UUIDv5 derivation of identity IDs.
var namespace = uuid.MustParse("6f1c9a52-3e0b-5d1f-9a44-2b7de0c8a1f3")

// corporateSuffixes are dropped from the end of creditor names.
var corporateSuffixes = map[string]struct{}{
	"llc":          {},
	"inc":          {},
	"incorporated": {},
	"corp":         {},
	"corporation":  {},
	"co":           {},
	"company":      {},
	"ltd":          {},
	"lp":           {},
	"llp":          {},
	"plc":          {},
	"na":           {},
	"fsb":          {},
}

// Identity is the bureau-independent key of one physical account.
type Identity struct {
	ID                 string                `json:"id"`
	Key                string                `json:"key"`
	NormalizedCreditor string                `json:"normalized_creditor"`
	AccountNumber      string                `json:"account_number"`
	AccountType        tradeline.AccountType `json:"account_type"`
}

// Resolver computes identities. The zero value is ready to use.
type Resolver struct {
	includeOpenDate bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithOpenDate adds the open month to the key when the record carries one.
// Bureaus that omit the date then resolve to a different identity, so this
// stays off unless reports are known to be consistent.
func WithOpenDate() Option {
	return func(r *Resolver) { r.includeOpenDate = true }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the identity of rec. Status, remarks, balances and bureau
// never influence the result.
func (r *Resolver) Resolve(rec tradeline.Record) (Identity, error) {
	creditor := NormalizeCreditor(rec.CreditorName)
	if creditor == "" {
		return Identity{}, &tradeline.ValidationError{Field: "creditor_name", Reason: "empty after normalization"}
	}
	if rec.AccountType == "" {
		return Identity{}, &tradeline.ValidationError{Field: "account_type", Reason: "required"}
	}

	parts := []string{creditor, rec.AccountNumber, string(rec.AccountType)}
	if r.includeOpenDate && rec.OpenDate != nil {
		parts = append(parts, rec.OpenDate.Format("2006-01"))
	}
	key := strings.Join(parts, "|")

	return Identity{
		ID:                 uuid.NewSHA1(namespace, []byte(key)).String(),
		Key:                key,
		NormalizedCreditor: creditor,
		AccountNumber:      rec.AccountNumber,
		AccountType:        rec.AccountType,
	}, nil
}

// NormalizeCreditor lowercases name, replaces punctuation with spaces and
// strips trailing corporate suffixes ("Capital One, N.A." -> "capital one").
func NormalizeCreditor(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' || r == '\'':
			// "N.A." -> "na", "Macy's" -> "macys"
		default:
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for len(tokens) > 1 {
		if _, ok := corporateSuffixes[tokens[len(tokens)-1]]; !ok {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}
