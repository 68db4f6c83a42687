package attendance

import (
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	validRoles         = []string{RoleAdmin, RoleEmployee, RoleOther}
	validContractTypes = []string{"CDI", "CDD", "Stage", "Alternance", "Freelance", ""}
)

const minPasswordLen = 6

// MemberInput is a create payload or an update patch; nil fields are left untouched.
type MemberInput struct {
	Name             *string
	Email            *string
	Password         *string
	Role             *string
	Number           *string
	Position         *string
	QG               *string
	WorkLocation     *string
	ContractStart    *time.Time
	ContractEnd      *time.Time
	Salary           *float64
	ContractType     *string
	Activity         *string
	ActivityBy       *string
	ActivityDeadline *time.Time
	Birthday         *time.Time
	Mentor           *string
	Manager          *string
	Nationality      *string
}

// apply copies the set fields onto m. Strings are trimmed and emails lowercased.
func (in MemberInput) apply(m *Member) {
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	setStr(&m.Name, in.Name)
	if in.Email != nil {
		m.Email = strings.ToLower(strings.TrimSpace(*in.Email))
	}
	setStr(&m.Role, in.Role)
	setStr(&m.Number, in.Number)
	setStr(&m.Position, in.Position)
	setStr(&m.QG, in.QG)
	setStr(&m.WorkLocation, in.WorkLocation)
	setStr(&m.ContractType, in.ContractType)
	setStr(&m.Activity, in.Activity)
	setStr(&m.ActivityBy, in.ActivityBy)
	setStr(&m.Mentor, in.Mentor)
	setStr(&m.Manager, in.Manager)
	setStr(&m.Nationality, in.Nationality)
	if in.ContractStart != nil {
		m.ContractStart = cloneTime(in.ContractStart)
	}
	if in.ContractEnd != nil {
		m.ContractEnd = cloneTime(in.ContractEnd)
	}
	if in.ActivityDeadline != nil {
		m.ActivityDeadline = cloneTime(in.ActivityDeadline)
	}
	if in.Birthday != nil {
		m.Birthday = cloneTime(in.Birthday)
	}
	if in.Salary != nil {
		m.Salary = *in.Salary
	}
}

// validateMember checks a fully merged member. password is the plain-text
// password from the input, if one was given; requirePassword forces one.
func validateMember(m *Member, password *string, requirePassword bool, now time.Time) error {
	verr := &ValidationError{}

	required := []struct{ field, value string }{
		{"name", m.Name},
		{"position", m.Position},
		{"number", m.Number},
		{"qg", m.QG},
	}
	for _, r := range required {
		if r.value == "" {
			verr.add(r.field, r.field+" is required")
		}
	}

	limits := []struct {
		field, value string
		max          int
	}{
		{"name", m.Name, 100},
		{"number", m.Number, 20},
		{"position", m.Position, 100},
		{"qg", m.QG, 50},
		{"workLocation", m.WorkLocation, 100},
		{"activity", m.Activity, 500},
		{"activityBy", m.ActivityBy, 100},
		{"mentor", m.Mentor, 100},
		{"manager", m.Manager, 100},
		{"nationality", m.Nationality, 50},
	}
	for _, l := range limits {
		if utf8.RuneCountInString(l.value) > l.max {
			verr.add(l.field, l.field+" must be at most "+itoa(l.max)+" characters")
		}
	}

	if m.Email != "" {
		if addr, err := mail.ParseAddress(m.Email); err != nil || addr.Address != m.Email {
			verr.add("email", "invalid email format")
		}
	}
	if !contains(validRoles, m.Role) {
		verr.add("role", "invalid role, accepted values: admin, employe, autre")
	}
	if !contains(validContractTypes, m.ContractType) {
		verr.add("contractType", "invalid contract type")
	}
	if m.ContractStart != nil && m.ContractEnd != nil && m.ContractEnd.Before(*m.ContractStart) {
		verr.add("contractEnd", "contract end cannot be before contract start")
	}
	if m.Salary < 0 {
		verr.add("salary", "salary cannot be negative")
	}
	if m.Birthday != nil && m.Birthday.After(now) {
		verr.add("birthday", "birthday cannot be in the future")
	}

	switch {
	case password != nil && utf8.RuneCountInString(*password) < minPasswordLen:
		verr.add("password", "password must be at least "+itoa(minPasswordLen)+" characters")
	case password == nil && requirePassword:
		verr.add("password", "password is required")
	}
	if requirePassword && m.Email == "" {
		verr.add("email", "email is required")
	}

	return verr.orNil()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
