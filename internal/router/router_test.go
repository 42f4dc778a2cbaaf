package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/util"
)

func route(pattern string, methods ...string) config.Route {
	if len(methods) == 0 {
		methods = []string{"GET"}
	}
	return config.Route{
		Pattern: pattern,
		Methods: methods,
		Target:  "http://upstream:8000",
	}
}

func TestExactMatch(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/users", "GET", "POST")))

	result, err := r.Match("GET", "/api/users", "")
	require.NoError(t, err)
	assert.Equal(t, "/api/users", result.Route.Pattern)
	assert.Empty(t, result.Params)

	result, err = r.Match("post", "/api/users", "")
	require.NoError(t, err)
	assert.Equal(t, "/api/users", result.Route.Pattern)

	_, err = r.Match("DELETE", "/api/users", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, &util.RouteNotFoundError{}))
}

func TestTrailingSlashNormalized(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/users")))

	result, err := r.Match("GET", "/api/users/", "")
	require.NoError(t, err)
	assert.Equal(t, "/api/users", result.Route.Pattern)
}

func TestParamCapture(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/users/:id/orders/:orderId")))

	result, err := r.Match("GET", "/api/users/42/orders/7", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"id": "42", "orderId": "7"}, result.Params)
}

func TestWildcardMatchesSingleSegmentWithoutCapture(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/files/*/meta")))

	result, err := r.Match("GET", "/files/report.pdf/meta", "")
	require.NoError(t, err)
	assert.Empty(t, result.Params)

	// A mid-pattern wildcard does not span multiple segments.
	_, err = r.Match("GET", "/files/a/b/meta", "")
	require.Error(t, err)
}

func TestTrailingWildcardSpansRemainder(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/echo/*")))

	for _, path := range []string{
		"/api/echo/a",
		"/api/echo/a/b/c",
		"/api/echo",
	} {
		result, err := r.Match("GET", path, "")
		require.NoError(t, err, path)
		assert.Empty(t, result.Params)
	}

	_, err := r.Match("GET", "/api/other", "")
	require.Error(t, err)
}

func TestSegmentCountMustMatch(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/users/:id")))

	_, err := r.Match("GET", "/api/users", "")
	require.Error(t, err)

	_, err = r.Match("GET", "/api/users/42/extra", "")
	require.Error(t, err)
}

func TestPatternOrderFirstRegisteredWins(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/:resource")))
	require.NoError(t, r.AddRoute(route("/api/:section")))

	result, err := r.Match("GET", "/api/users", "")
	require.NoError(t, err)
	assert.Equal(t, "/api/:resource", result.Route.Pattern)
}

func TestExactPreferredOverPattern(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/:resource")))
	require.NoError(t, r.AddRoute(route("/api/users")))

	result, err := r.Match("GET", "/api/users", "")
	require.NoError(t, err)
	assert.Equal(t, "/api/users", result.Route.Pattern)
}

func TestMethodMismatchDoesNotBlockLaterPatterns(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/users", "POST")))
	require.NoError(t, r.AddRoute(route("/api/:resource", "GET")))

	// The exact route matches the path but not the method, so the
	// pattern list must still be scanned.
	result, err := r.Match("GET", "/api/users", "")
	require.NoError(t, err)
	assert.Equal(t, "/api/:resource", result.Route.Pattern)
}

func TestMethodMismatchAmongPatterns(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/:a", "POST")))
	require.NoError(t, r.AddRoute(route("/api/:b", "GET")))

	result, err := r.Match("GET", "/api/users", "")
	require.NoError(t, err)
	assert.Equal(t, "/api/:b", result.Route.Pattern)
}

func TestQueryParamsParsed(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/users")))

	result, err := r.Match("GET", "/api/users", "page=2&limit=10")
	require.NoError(t, err)
	assert.Equal(t, "2", result.Query.Get("page"))
	assert.Equal(t, "10", result.Query.Get("limit"))
}

func TestRemoveRoute(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/users")))
	require.NoError(t, r.AddRoute(route("/api/:resource")))
	assert.Equal(t, 2, r.RouteCount())

	assert.True(t, r.RemoveRoute("/api/users"))
	assert.False(t, r.RemoveRoute("/api/users"))
	assert.Equal(t, 1, r.RouteCount())

	assert.True(t, r.RemoveRoute("/api/:resource"))
	assert.Equal(t, 0, r.RouteCount())

	_, err := r.Match("GET", "/api/users", "")
	require.Error(t, err)
}

func TestReplaceSwapsFullTable(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/old")))

	require.NoError(t, r.Replace([]config.Route{
		route("/new"),
		route("/new/:id"),
	}))

	assert.Equal(t, 2, r.RouteCount())
	_, err := r.Match("GET", "/old", "")
	require.Error(t, err)
	_, err = r.Match("GET", "/new", "")
	require.NoError(t, err)
}

func TestAddRouteReplacesExistingPattern(t *testing.T) {
	r := New()
	require.NoError(t, r.AddRoute(route("/api/:id", "GET")))
	require.NoError(t, r.AddRoute(route("/api/:id", "GET", "DELETE")))
	assert.Equal(t, 1, r.RouteCount())

	_, err := r.Match("DELETE", "/api/9", "")
	require.NoError(t, err)
}

func TestInvalidPatternRejected(t *testing.T) {
	r := New()
	assert.Error(t, r.AddRoute(route("no-slash")))
	assert.Error(t, r.AddRoute(route("")))
}
