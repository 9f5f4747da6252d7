package routing

import (
	"net/http"
	"net/url"
)

// ActionKind names the variant of an Action.
type ActionKind string

// Action kinds.
const (
	ActionProxy    ActionKind = "proxy"
	ActionStatic   ActionKind = "static"
	ActionDescribe ActionKind = "describe"
)

// Action is what the dispatcher does with a matched request. The set of
// implementations is closed to this package.
type Action interface {
	Kind() ActionKind
	action()
}

// ProxyAction forwards the request to Target, keeping the inbound path and
// query. Only Target's scheme and host are used.
type ProxyAction struct {
	Target *url.URL
}

// Kind implements Action.
func (ProxyAction) Kind() ActionKind { return ActionProxy }
func (ProxyAction) action()          {}

// StaticAction answers with a fixed status, header set and body.
type StaticAction struct {
	Status int
	Header http.Header
	Body   []byte
}

// Kind implements Action.
func (StaticAction) Kind() ActionKind { return ActionStatic }
func (StaticAction) action()          {}

// DescribeAction answers with a JSON document listing the live rule table.
type DescribeAction struct{}

// Kind implements Action.
func (DescribeAction) Kind() ActionKind { return ActionDescribe }
func (DescribeAction) action()          {}

// NewProxyAction parses target and returns a ProxyAction for it. The URL
// is validated when the rule is registered.
func NewProxyAction(target string) (ProxyAction, error) {
	u, err := url.Parse(target)
	if err != nil {
		return ProxyAction{}, err
	}
	return ProxyAction{Target: u}, nil
}

// JSONResponse builds a StaticAction with Content-Type application/json.
func JSONResponse(status int, body string) StaticAction {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return StaticAction{Status: status, Header: h, Body: []byte(body)}
}

func validateTarget(u *url.URL) string {
	switch {
	case u == nil:
		return "proxy target is missing"
	case u.Scheme != "http" && u.Scheme != "https":
		return "proxy target must be an absolute http or https URL"
	case u.Host == "":
		return "proxy target has no host"
	}
	return ""
}
