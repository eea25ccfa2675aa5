package domain

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

// Actor is the authenticated caller. Username ends up as PerformedBy on
// every ledger row the caller creates.
type Actor struct {
	Username string
	Role     string
}
