package models

import "time"

type User struct {
	ID             int        `json:"id" db:"id"`
	Email          string     `json:"email" db:"email"`
	FirstName      string     `json:"first_name" db:"first_name"`
	LastName       string     `json:"last_name" db:"last_name"`
	VirtualBalance float64    `json:"virtual_balance" db:"virtual_balance"`
	TotalSpent     float64    `json:"total_spent" db:"total_spent"`
	Tier           string     `json:"tier" db:"tier"`
	Version        int        `json:"-" db:"version"` // for optimistic locking
	LastLogin      *time.Time `json:"last_login" db:"last_login"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Tier levels, ordered by monthly spend thresholds
const (
	TierStandard = "standard"
	TierSilver   = "silver"
	TierGold     = "gold"
	TierPlatinum = "platinum"
)

// Operator is a back-office user of the admin API
type Operator struct {
	ID           int        `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         string     `json:"role" db:"role"`
	LastLogin    *time.Time `json:"last_login" db:"last_login"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}
