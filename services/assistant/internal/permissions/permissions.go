package permissions

import (
	"errors"
	"strings"
)

// RefusalMessage is the exact reply the assistant gives for denied data.
const RefusalMessage = "I'm sorry, I don't have access to that data."

// ErrUnknownUser is returned by lookups when no permission row exists.
var ErrUnknownUser = errors.New("unknown user")

// Record holds the six independent category flags for one user.
type Record struct {
	Assets       bool `json:"perm_assets"`
	Liabilities  bool `json:"perm_liabilities"`
	Transactions bool `json:"perm_transactions"`
	Investments  bool `json:"perm_investments"`
	CreditScore  bool `json:"perm_credit_score"`
	EPFBalance   bool `json:"perm_epf_balance"`
}

// DenyAll is the fail-closed record.
func DenyAll() Record { return Record{} }

// AllowAll matches the defaults of a freshly created account.
func AllowAll() Record {
	return Record{true, true, true, true, true, true}
}

type Category struct {
	Key         string
	Column      string
	Description string
}

const (
	Assets       = "assets"
	Liabilities  = "liabilities"
	Transactions = "transactions"
	Investments  = "investments"
	CreditScore  = "credit_score"
	EPFBalance   = "epf_balance"
)

// Categories lists every category in canonical order.
var Categories = []Category{
	{Key: Assets, Column: "perm_assets", Description: "Assets (property, savings, bank balances)"},
	{Key: Liabilities, Column: "perm_liabilities", Description: "Liabilities (loans, debts, credit cards)"},
	{Key: Transactions, Column: "perm_transactions", Description: "Transactions (spending, income, expense records)"},
	{Key: Investments, Column: "perm_investments", Description: "Investments (stocks, funds, portfolio data)"},
	{Key: CreditScore, Column: "perm_credit_score", Description: "Credit Score information"},
	{Key: EPFBalance, Column: "perm_epf_balance", Description: "EPF Balance information"},
}

// Allows reports the flag for a category key. Unknown keys are denied.
func (r Record) Allows(key string) bool {
	switch key {
	case Assets:
		return r.Assets
	case Liabilities:
		return r.Liabilities
	case Transactions:
		return r.Transactions
	case Investments:
		return r.Investments
	case CreditScore:
		return r.CreditScore
	case EPFBalance:
		return r.EPFBalance
	default:
		return false
	}
}

// Denied returns the keys of every denied category in canonical order.
func (r Record) Denied() []string {
	var out []string
	for _, c := range Categories {
		if !r.Allows(c.Key) {
			out = append(out, c.Key)
		}
	}
	return out
}

// Partition splits the categories into allowed and denied sets. Every
// category lands in exactly one of them.
func Partition(r Record) (allowed, denied []Category) {
	for _, c := range Categories {
		if r.Allows(c.Key) {
			allowed = append(allowed, c)
		} else {
			denied = append(denied, c)
		}
	}
	return allowed, denied
}

// Render turns a record into the directive text handed to the model.
func Render(r Record) string {
	allowed, denied := Partition(r)

	var b strings.Builder
	b.WriteString("PRIVACY ENFORCEMENT RULES:\n\n")

	b.WriteString("YOU CAN ACCESS:\n")
	if len(allowed) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, c := range allowed {
		b.WriteString("  ALLOWED: ")
		b.WriteString(c.Description)
		b.WriteString("\n")
	}

	b.WriteString("\nYOU CANNOT ACCESS:\n")
	if len(denied) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, c := range denied {
		b.WriteString("  DENIED: ")
		b.WriteString(c.Description)
		b.WriteString("\n")
	}

	if len(denied) > 0 {
		b.WriteString("\nCRITICAL: If the user asks about any DENIED category, respond exactly with: \"")
		b.WriteString(RefusalMessage)
		b.WriteString("\"\n")
	}
	b.WriteString("\nSTRICT RULE: Only provide insights from ALLOWED categories. Never mention or analyze DENIED data.")
	return b.String()
}

// Update carries a partial change to a Record. Nil fields stay unchanged.
type Update struct {
	Assets       *bool `json:"perm_assets"`
	Liabilities  *bool `json:"perm_liabilities"`
	Transactions *bool `json:"perm_transactions"`
	Investments  *bool `json:"perm_investments"`
	CreditScore  *bool `json:"perm_credit_score"`
	EPFBalance   *bool `json:"perm_epf_balance"`
}

func (u Update) Empty() bool {
	return u.Assets == nil && u.Liabilities == nil && u.Transactions == nil &&
		u.Investments == nil && u.CreditScore == nil && u.EPFBalance == nil
}

func (u Update) Apply(r Record) Record {
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&r.Assets, u.Assets)
	set(&r.Liabilities, u.Liabilities)
	set(&r.Transactions, u.Transactions)
	set(&r.Investments, u.Investments)
	set(&r.CreditScore, u.CreditScore)
	set(&r.EPFBalance, u.EPFBalance)
	return r
}
