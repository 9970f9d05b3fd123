package auth

import "time"

// Account represents an admin account allowed to use the gate.
type Account struct {
	ID           int64
	Email        string
	PasswordHash string
	Team         string
	Roles        []string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity is the snapshot of an account bound to a bearer token.
type Identity struct {
	AccountID int64     `json:"account_id"`
	Email     string    `json:"email"`
	Team      string    `json:"team"`
	Roles     []string  `json:"roles"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func identityOf(a *Account) Identity {
	return Identity{
		AccountID: a.ID,
		Email:     a.Email,
		Team:      a.Team,
		Roles:     append([]string(nil), a.Roles...),
	}
}
