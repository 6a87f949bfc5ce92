package entity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/pitwall/errors"
)

// Key bounds
const (
	MaxSessionKey   = 1_000_000
	MaxDriverNumber = 99
)

// Key identifies one driver in one timing session.
type Key struct {
	SessionKey   int `json:"session_key"`
	DriverNumber int `json:"driver_number"`
}

// NewKey builds and validates a key.
func NewKey(sessionKey, driverNumber int) (Key, error) {
	k := Key{SessionKey: sessionKey, DriverNumber: driverNumber}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks that both parts are positive and within range.
func (k Key) Validate() error {
	if k.SessionKey <= 0 || k.SessionKey > MaxSessionKey {
		return errors.WrapInvalid(errors.ErrInvalidData, "Key", "Validate",
			fmt.Sprintf("session key %d out of range", k.SessionKey))
	}
	if k.DriverNumber <= 0 || k.DriverNumber > MaxDriverNumber {
		return errors.WrapInvalid(errors.ErrInvalidData, "Key", "Validate",
			fmt.Sprintf("driver number %d out of range", k.DriverNumber))
	}
	return nil
}

// IsZero reports whether k is unset.
func (k Key) IsZero() bool { return k == Key{} }

// String returns the canonical routing id, "<session>_<driver>".
func (k Key) String() string {
	return strconv.Itoa(k.SessionKey) + "_" + strconv.Itoa(k.DriverNumber)
}

// ParseKey parses the form produced by String.
func ParseKey(s string) (Key, error) {
	session, driver, ok := strings.Cut(s, "_")
	if !ok {
		return Key{}, errors.WrapInvalid(errors.ErrParsingFailed, "Key", "ParseKey", "missing separator in "+s)
	}
	sk, err := strconv.Atoi(session)
	if err != nil {
		return Key{}, errors.WrapInvalid(err, "Key", "ParseKey", "session key")
	}
	dn, err := strconv.Atoi(driver)
	if err != nil {
		return Key{}, errors.WrapInvalid(err, "Key", "ParseKey", "driver number")
	}
	return NewKey(sk, dn)
}
