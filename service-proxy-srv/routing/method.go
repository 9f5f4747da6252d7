package routing

import "strings"

// Method is the HTTP verb a rule applies to.
type Method string

// Supported rule methods. MethodAny matches every request method.
const (
	MethodAny    Method = "ANY"
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// ParseMethod maps a method name to a Method, case-insensitively.
// Anything other than GET, POST, PUT or DELETE yields MethodAny.
func ParseMethod(s string) Method {
	switch Method(strings.ToUpper(strings.TrimSpace(s))) {
	case MethodGet:
		return MethodGet
	case MethodPost:
		return MethodPost
	case MethodPut:
		return MethodPut
	case MethodDelete:
		return MethodDelete
	default:
		return MethodAny
	}
}

// Matches reports whether a request with the given method satisfies m.
func (m Method) Matches(requestMethod string) bool {
	return m == MethodAny || string(m) == requestMethod
}
