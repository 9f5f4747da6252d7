package routing

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proxyTo(t *testing.T, raw string) ProxyAction {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return ProxyAction{Target: u}
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in   string
		want Method
	}{
		{"GET", MethodGet},
		{"get", MethodGet},
		{"Post", MethodPost},
		{"PUT", MethodPut},
		{"delete", MethodDelete},
		{"ANY", MethodAny},
		{"", MethodAny},
		{"PATCH", MethodAny},
		{"bogus", MethodAny},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMethod(tt.in))
		})
	}
}

func TestPathPattern(t *testing.T) {
	lit := Literal("/health")
	assert.True(t, lit.Match("/health"))
	assert.False(t, lit.Match("/health/"))
	assert.False(t, lit.Match("/healthz"))

	re, err := Regex("/am/.*").compile()
	require.NoError(t, err)
	assert.True(t, re.Match("/am/"))
	assert.True(t, re.Match("/am/x/y"))
	assert.False(t, re.Match("/am"))
	assert.False(t, re.Match("/xam/x"), "match must be anchored at the start")

	alt, err := Regex("/a|/b").compile()
	require.NoError(t, err)
	assert.True(t, alt.Match("/a"))
	assert.False(t, alt.Match("/a/c"), "alternation must be anchored as a whole")

	// uncompiled regex never matches
	assert.False(t, Regex(".*").Match("/"))
}

func TestPrefixPattern(t *testing.T) {
	assert.Equal(t, Regex("/am/.*"), PrefixPattern("/am"))
	assert.Equal(t, Regex("/am/.*"), PrefixPattern("/am/"))
	assert.Equal(t, Regex(`/v1\.0/.*`), PrefixPattern("/v1.0"))
	assert.Equal(t, Regex("/.*"), PrefixPattern("/"))
}

func TestRegisterAndMatch(t *testing.T) {
	table := NewTable()

	_, err := table.Register(Rule{ID: "health", Method: MethodGet, Path: Literal("/health"), Action: JSONResponse(200, `{}`)})
	require.NoError(t, err)
	_, err = table.Register(Rule{ID: "route-am", Method: MethodAny, Path: PrefixPattern("/am"), Action: proxyTo(t, "http://localhost:9001")})
	require.NoError(t, err)

	r, ok := table.Match("GET", "/health")
	require.True(t, ok)
	assert.Equal(t, "health", r.ID)

	_, ok = table.Match("POST", "/health")
	assert.False(t, ok, "GET-only rule must not match POST")

	for _, m := range []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"} {
		r, ok = table.Match(m, "/am/x")
		require.True(t, ok, m)
		assert.Equal(t, "route-am", r.ID)
	}

	_, ok = table.Match("GET", "/nowhere")
	assert.False(t, ok)
}

func TestMatchPrecedence(t *testing.T) {
	table := NewTable()

	_, err := table.Register(Rule{ID: "broad", Path: Regex("/am/.*"), Action: proxyTo(t, "http://a")})
	require.NoError(t, err)
	_, err = table.Register(Rule{ID: "narrow", Path: Regex("/am/users/.*"), Action: proxyTo(t, "http://b")})
	require.NoError(t, err)

	r, ok := table.Match("GET", "/am/users/1")
	require.True(t, ok)
	assert.Equal(t, "narrow", r.ID, "later registration wins at equal priority")

	r, ok = table.Match("GET", "/am/other")
	require.True(t, ok)
	assert.Equal(t, "broad", r.ID)

	_, err = table.Register(Rule{ID: "pinned", Path: Regex("/am/.*"), Priority: 10, Action: proxyTo(t, "http://c")})
	require.NoError(t, err)
	_, err = table.Register(Rule{ID: "newest", Path: Regex("/am/users/.*"), Action: proxyTo(t, "http://d")})
	require.NoError(t, err)

	r, ok = table.Match("GET", "/am/users/1")
	require.True(t, ok)
	assert.Equal(t, "pinned", r.ID, "higher priority beats recency")
}

func TestMatchOrderIsSorted(t *testing.T) {
	table := NewTable()
	for i, prio := range []int{0, 5, 0, -1, 5} {
		_, err := table.Register(Rule{ID: fmt.Sprintf("r%d", i), Path: Literal("/x"), Priority: prio, Action: JSONResponse(200, "")})
		require.NoError(t, err)
	}

	var ids []string
	for _, r := range table.Rules() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"r4", "r1", "r2", "r0", "r3"}, ids)
}

func TestRegisterRejectsInvalidRules(t *testing.T) {
	table := NewTable()
	_, err := table.Register(Rule{ID: "one", Path: Literal("/one"), Action: JSONResponse(200, "")})
	require.NoError(t, err)

	tests := []struct {
		name   string
		rule   Rule
		reason string
	}{
		{"empty id", Rule{Path: Literal("/"), Action: JSONResponse(200, "")}, "rule id is empty"},
		{"duplicate id", Rule{ID: "one", Path: Literal("/other"), Action: JSONResponse(200, "")}, "duplicate rule id"},
		{"bad regex", Rule{ID: "re", Path: Regex("/am/(["), Action: JSONResponse(200, "")}, "path pattern does not compile"},
		{"no action", Rule{ID: "na", Path: Literal("/")}, "rule has no action"},
		{"nil proxy pointer", Rule{ID: "np", Path: Literal("/"), Action: (*ProxyAction)(nil)}, "rule has no action"},
		{"nil target", Rule{ID: "nt", Path: Literal("/"), Action: ProxyAction{}}, "proxy target is missing"},
		{"relative target", Rule{ID: "rel", Path: Literal("/"), Action: proxyTo(t, "/relative")}, "proxy target must be an absolute http or https URL"},
		{"ftp target", Rule{ID: "ftp", Path: Literal("/"), Action: proxyTo(t, "ftp://host")}, "proxy target must be an absolute http or https URL"},
		{"no host", Rule{ID: "nh", Path: Literal("/"), Action: proxyTo(t, "http:///path")}, "proxy target has no host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := table.Register(tt.rule)
			require.Error(t, err)
			var ire *InvalidRuleError
			require.True(t, errors.As(err, &ire))
			assert.Equal(t, tt.reason, ire.Reason)
			assert.Equal(t, 1, table.Len(), "table must be unchanged")
		})
	}
}

func TestRegisterNormalisesActionPointers(t *testing.T) {
	table := NewTable()
	pa := proxyTo(t, "http://backend")
	r, err := table.Register(Rule{ID: "p", Path: Literal("/p"), Action: &pa})
	require.NoError(t, err)
	_, isValue := r.Action.(ProxyAction)
	assert.True(t, isValue)
	assert.Equal(t, MethodAny, r.Method)
}

func TestSequenceIsMonotonic(t *testing.T) {
	table := NewTable()
	a, err := table.Register(Rule{ID: "a", Path: Literal("/a"), Action: JSONResponse(200, "")})
	require.NoError(t, err)
	assert.True(t, table.Unregister("a"))
	b, err := table.Register(Rule{ID: "a", Path: Literal("/a"), Action: JSONResponse(200, "")})
	require.NoError(t, err)
	assert.Greater(t, b.Sequence, a.Sequence)
}

func TestUnregister(t *testing.T) {
	table := NewTable()
	_, err := table.Register(Rule{ID: "a", Path: Literal("/a"), Action: JSONResponse(http.StatusOK, "")})
	require.NoError(t, err)

	assert.True(t, table.Has("a"))
	assert.True(t, table.Unregister("a"))
	assert.False(t, table.Unregister("a"))
	assert.False(t, table.Has("a"))
	assert.Equal(t, 0, table.Len())
	_, ok := table.Match("GET", "/a")
	assert.False(t, ok)
}

func TestRulesReturnsCopy(t *testing.T) {
	table := NewTable()
	_, err := table.Register(Rule{ID: "a", Path: Literal("/a"), Action: JSONResponse(200, "")})
	require.NoError(t, err)

	rules := table.Rules()
	rules[0].ID = "mutated"
	assert.True(t, table.Has("a"))
}

func TestConcurrentRegisterAndMatch(t *testing.T) {
	table := NewTable()
	_, err := table.Register(Rule{ID: "base", Path: Regex("/svc/.*"), Action: proxyTo(t, "http://base")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				r, ok := table.Match("GET", "/svc/x")
				if !ok || r.Action == nil {
					t.Errorf("reader observed an incomplete table")
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		_, err := table.Register(Rule{ID: fmt.Sprintf("r%d", i), Path: Regex(fmt.Sprintf("/svc/%d", i)), Action: proxyTo(t, "http://x")})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 201, table.Len())
	r, ok := table.Match("GET", "/svc/199")
	require.True(t, ok)
	assert.Equal(t, "r199", r.ID)
}

func TestInvalidRuleErrorMessage(t *testing.T) {
	inner := errors.New("boom")
	err := &InvalidRuleError{RuleID: "x", Reason: "bad", Err: inner}
	assert.Equal(t, `invalid rule "x": bad: boom`, err.Error())
	assert.ErrorIs(t, err, inner)
}
