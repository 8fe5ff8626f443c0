// Package models defines server-side data models persisted in the database.
package models

import (
	"encoding/json"
	"time"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Letter is an identity-owned message whose body is stored only as
// ciphertext. BodyCiphertext, BodyNonce and KeyVersion are always written
// together.
type Letter struct {
	ID             string
	IdentityID     string
	Title          string
	BodyCiphertext []byte
	BodyNonce      []byte
	KeyVersion     int
	Format         string
	Visibility     Visibility
	ShareToken     string
	DeletedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LetterContent is the plaintext body; it exists only in memory.
type LetterContent struct {
	BodyRich json.RawMessage `json:"body_rich,omitempty"`
	BodyHTML string          `json:"body_html"`
}

// ShippingAddress is a physical mail recipient owned by an identity.
type ShippingAddress struct {
	ID         string
	IdentityID string
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	CreatedAt  time.Time
}
