package domain

import "time"

// Profile is a subject's health profile in plaintext. It only exists in memory; nil or empty
// fields are unset.
type Profile struct {
	SubjectID   int64
	DateOfBirth string // YYYY-MM-DD
	HeightCm    *float64
	WeightKg    *float64
	Conditions  string
	Allergies   string
	Medications string
	UpdatedAt   time.Time
}

// Record is the stored form of a Profile. Every field except SubjectID and UpdatedAt holds a PHI
// envelope, or "" when unset.
type Record struct {
	SubjectID      int64
	DateOfBirthEnc string
	HeightCmEnc    string
	WeightKgEnc    string
	ConditionsEnc  string
	AllergiesEnc   string
	MedicationsEnc string
	UpdatedAt      time.Time
}

// Envelopes returns pointers to every encrypted field of r, keyed by column name.
func (r *Record) Envelopes() map[string]*string {
	return map[string]*string{
		"date_of_birth": &r.DateOfBirthEnc,
		"height_cm":     &r.HeightCmEnc,
		"weight_kg":     &r.WeightKgEnc,
		"conditions":    &r.ConditionsEnc,
		"allergies":     &r.AllergiesEnc,
		"medications":   &r.MedicationsEnc,
	}
}
