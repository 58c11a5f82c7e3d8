package store

import "time"

// Base carries the identity and timestamps every entity shares.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Meta returns the shared identity fields.
func (b Base) Meta() Base { return b }

// Entity is implemented by every stored type. T is the entity itself so
// that withMeta can return an updated copy.
type Entity[T any] interface {
	Kind() string
	Meta() Base
	withMeta(Base) T
}

// Account groups the users of one customer.
type Account struct {
	Base
	Name        string     `json:"name"`
	Email       string     `json:"email"`
	Description string     `json:"description,omitempty"`
	IsTrial     bool       `json:"isTrial"`
	IsActive    bool       `json:"isActive"`
	SetActive   *time.Time `json:"setActive,omitempty"`
}

func (Account) Kind() string              { return "account" }
func (a Account) withMeta(b Base) Account { a.Base = b; return a }

// User is a person holding licenses within an account.
type User struct {
	Base
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
	UserName    string   `json:"userName"`
	Email       string   `json:"email"`
	Description string   `json:"description,omitempty"`
	IsAdminRole bool     `json:"isAdminRole"`
	Roles       []string `json:"roles,omitempty"`
	IsActive    bool     `json:"isActive"`
	AccountID   string   `json:"accountId,omitempty"`
}

func (User) Kind() string           { return "user" }
func (u User) withMeta(b Base) User { u.Base = b; return u }

// Product is a licensable piece of software.
type Product struct {
	Base
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Version     string     `json:"version"`
	ReleaseDate *time.Time `json:"releaseDate,omitempty"`
	IsReleased  bool       `json:"isReleased"`
	IsActive    bool       `json:"isActive"`
}

func (Product) Kind() string              { return "product" }
func (p Product) withMeta(b Base) Product { p.Base = b; return p }

// License grants a user the right to run a product.
type License struct {
	Base
	LicenseNumber string `json:"licenseNumber"`
	IsActive      bool   `json:"isActive"`
	ProductID     string `json:"productId"`
	UserID        string `json:"userId"`
}

func (License) Kind() string              { return "license" }
func (l License) withMeta(b Base) License { l.Base = b; return l }

// Telemetry records one check-in from an installed product.
type Telemetry struct {
	Base
	IP        string `json:"ip"`
	ProductID string `json:"productId,omitempty"`
	LicenseID string `json:"licenseId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

func (Telemetry) Kind() string                { return "telemetry" }
func (t Telemetry) withMeta(b Base) Telemetry { t.Base = b; return t }
