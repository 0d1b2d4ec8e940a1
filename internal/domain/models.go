package domain

import (
	"encoding/json"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar day serialized as YYYY-MM-DD.
type Date struct{ time.Time }

func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	p, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = p
	return nil
}

// Certificate describes one uploaded, registry-verified document.
type Certificate struct {
	ID             string    `json:"id"`
	CertificateID  string    `json:"certificateId"` // registry identifier that was verified
	StorageLocator string    `json:"storageLocator"`
	UploadedAt     time.Time `json:"uploadedAt"`
	Verified       bool      `json:"verified"`
	ValidUntil     *Date     `json:"validUntil"`
	Size           int       `json:"size"`
	Checksum       string    `json:"checksum,omitempty"` // blake2b-256, hex
}

// Product owns the certificates uploaded under a caller-supplied id.
type Product struct {
	ProductID    string        `json:"productId"`
	Certificates []Certificate `json:"certificates"`
}
