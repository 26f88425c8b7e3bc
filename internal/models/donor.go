package models

import (
	"time"

	"github.com/google/uuid"
)

type Donor struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	FullName  string    `json:"full_name" db:"full_name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Campaign struct {
	ID     uuid.UUID `json:"id" db:"id"`
	Code   string    `json:"code" db:"code"`
	Name   string    `json:"name" db:"name"`
	Active bool      `json:"active" db:"active"`
}
