package model

import (
	"strings"
)

// Role is the role of a principal
type Role string

// Constants for Role
const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Valid reports whether the role is one of the defined constants.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

// ParseRole converts a string to a Role, returning an error for invalid values.
func ParseRole(v string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(v)))
	if !r.Valid() {
		return "", ValidationErrorFmt("invalid role: %s", v)
	}
	return r, nil
}

// Action is the action a rule takes when its pattern matches
type Action string

// Constants for Action
const (
	ActionAutoAccept Action = "AUTO_ACCEPT"
	ActionAutoReject Action = "AUTO_REJECT"
)

// Valid reports whether the action is one of the defined constants.
func (a Action) Valid() bool {
	return a == ActionAutoAccept || a == ActionAutoReject
}

// ParseAction converts a string to an Action, returning an error for invalid values.
func ParseAction(v string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(v)))
	if !a.Valid() {
		return "", ValidationErrorFmt("invalid action: %s", v)
	}
	return a, nil
}

// Status is the terminal state of an admitted command
type Status string

// Constants for Status
const (
	StatusExecuted Status = "EXECUTED"
	StatusRejected Status = "REJECTED"
)

// String returns the canonical string representation for the status.
func (s Status) String() string {
	return string(s)
}

// StatusFilter selects log entries by status
type StatusFilter string

// Constants for StatusFilter
const (
	StatusFilterAll      StatusFilter = "all"
	StatusFilterExecuted StatusFilter = "executed"
	StatusFilterRejected StatusFilter = "rejected"
)

// ParseStatusFilter converts a query value to a StatusFilter; the empty string
// maps to StatusFilterAll.
func ParseStatusFilter(v string) (StatusFilter, error) {
	switch f := StatusFilter(strings.ToLower(strings.TrimSpace(v))); f {
	case "":
		return StatusFilterAll, nil
	case StatusFilterAll, StatusFilterExecuted, StatusFilterRejected:
		return f, nil
	}
	return "", ValidationErrorFmt("invalid status filter: %s", v)
}

// RoleFilter selects log entries by the role of the acting principal
type RoleFilter string

// Constants for RoleFilter
const (
	RoleFilterAll         RoleFilter = "all"
	RoleFilterMine        RoleFilter = "mine"
	RoleFilterAdmins      RoleFilter = "admins"
	RoleFilterOtherAdmins RoleFilter = "other_admins"
	RoleFilterMembers     RoleFilter = "members"
)

// ParseRoleFilter converts a query value to a RoleFilter; "users" is accepted
// as an alias of "members" and the empty string maps to RoleFilterAll.
func ParseRoleFilter(v string) (RoleFilter, error) {
	switch f := RoleFilter(strings.ToLower(strings.TrimSpace(v))); f {
	case "":
		return RoleFilterAll, nil
	case "users", "member":
		return RoleFilterMembers, nil
	case "admin":
		return RoleFilterAdmins, nil
	case RoleFilterAll, RoleFilterMine, RoleFilterAdmins, RoleFilterOtherAdmins, RoleFilterMembers:
		return f, nil
	}
	return "", ValidationErrorFmt("invalid role filter: %s", v)
}

// SortOrder is the timestamp ordering of a log query
type SortOrder string

// Constants for SortOrder
const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ParseSortOrder converts a query value to a SortOrder; defaults to SortDesc.
func ParseSortOrder(v string) (SortOrder, error) {
	switch o := SortOrder(strings.ToLower(strings.TrimSpace(v))); o {
	case "":
		return SortDesc, nil
	case SortAsc, SortDesc:
		return o, nil
	}
	return "", ValidationErrorFmt("invalid sort order: %s", v)
}
