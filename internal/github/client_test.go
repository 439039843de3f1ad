package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Conductor/internal/metrics"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *metrics.Metrics) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	client, err := NewClient(Config{
		BaseURL:    server.URL,
		Owner:      "acme",
		Token:      "test-token",
		PerPage:    2,
		HTTPClient: server.Client(),
		Metrics:    m,
	})
	require.NoError(t, err)
	return client, m
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Owner: "acme"})
	assert.Error(t, err)

	_, err = NewClient(Config{Token: "t"})
	assert.Error(t, err)

	client, err := NewClient(Config{Token: "t", Owner: "acme"})
	require.NoError(t, err)
	assert.Equal(t, defaultBaseURL, client.baseURL)
	assert.Equal(t, 100, client.perPage)
	assert.Equal(t, "acme", client.Owner())
}

func TestListRunnersPaginates(t *testing.T) {
	var serverURL string
	client, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		assert.Equal(t, githubAPIVersion, r.Header.Get("X-GitHub-Api-Version"))
		assert.Equal(t, "/repos/acme/app/actions/runners", r.URL.Path)

		switch r.URL.Query().Get("page") {
		case "":
			assert.Equal(t, "2", r.URL.Query().Get("per_page"))
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/app/actions/runners?per_page=2&page=2>; rel="next", <%s/repos/acme/app/actions/runners?per_page=2&page=2>; rel="last"`, serverURL, serverURL))
			fmt.Fprint(w, `{"total_count":3,"runners":[
				{"id":1,"name":"ci-1","os":"macOS","status":"online","busy":false,"labels":[{"name":"self-hosted"},{"name":"fast"}]},
				{"id":2,"name":"ci-2","os":"macOS","status":"offline","busy":true,"labels":[]}
			]}`)
		case "2":
			fmt.Fprint(w, `{"total_count":3,"runners":[{"id":7,"name":"other-1","os":"Linux","status":"online","busy":false,"labels":[]}]}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})
	serverURL = client.baseURL

	runners, err := client.ListRunners(context.Background(), "app")
	require.NoError(t, err)
	require.Len(t, runners, 3)

	assert.Equal(t, int64(1), runners[0].ID)
	assert.Equal(t, "app", runners[0].Repo)
	assert.Equal(t, []string{"self-hosted", "fast"}, runners[0].Labels)
	assert.True(t, runners[1].Busy)
	assert.Equal(t, "offline", runners[1].Status)
	assert.Equal(t, "other-1", runners[2].Name)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.GitHubAPIRequests.WithLabelValues("list_runners", "200")))
}

func TestCreateRegistrationToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/app/actions/runners/registration-token", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"token":"LLBF3JGZDX3P5PMEXLND6TS6FCWO6","expires_at":"2026-01-22T12:13:35.123-08:00"}`)
	})

	token, err := client.CreateRegistrationToken(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, "LLBF3JGZDX3P5PMEXLND6TS6FCWO6", token.Value)

	want := time.Date(2026, 1, 22, 20, 13, 35, 123000000, time.UTC)
	assert.True(t, want.Equal(token.ExpiresAt), "got %s", token.ExpiresAt)
}

func TestDeleteRunner(t *testing.T) {
	var calls []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/repos/acme/app/actions/runners/7":
			w.WriteHeader(http.StatusNoContent)
		case "/repos/acme/app/actions/runners/8":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		default:
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message":"Must have admin rights to Repository."}`)
		}
	})

	require.NoError(t, client.DeleteRunner(context.Background(), "app", 7))
	require.NoError(t, client.DeleteRunner(context.Background(), "app", 8), "missing runner is tolerated")

	err := client.DeleteRunner(context.Background(), "app", 9)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "Must have admin rights")

	assert.Equal(t, []string{
		"DELETE /repos/acme/app/actions/runners/7",
		"DELETE /repos/acme/app/actions/runners/8",
		"DELETE /repos/acme/app/actions/runners/9",
	}, calls)
}

func TestLatestRunnerRelease(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/actions/runner/releases/latest", r.URL.Path)
		fmt.Fprint(w, `{"tag_name":"v2.319.1","assets":[
			{"name":"actions-runner-osx-x64-2.319.1.tar.gz","browser_download_url":"https://example.test/osx.tar.gz"},
			{"name":"actions-runner-linux-x64-2.319.1.tar.gz","browser_download_url":"https://example.test/linux.tar.gz"}
		]}`)
	})

	release, err := client.LatestRunnerRelease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2.319.1", release.Tag)
	assert.Equal(t, "2.319.1", release.Version)
	assert.Equal(t, "actions-runner-linux-x64-2.319.1.tar.gz", release.PackageName("linux-x64"))

	asset, ok := release.Asset(release.PackageName("linux-x64"))
	require.True(t, ok)
	assert.Equal(t, "https://example.test/linux.tar.gz", asset.DownloadURL)

	_, ok = release.Asset(release.PackageName("win-arm64"))
	assert.False(t, ok)
}

func TestAPIErrorMapping(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream unavailable")
	})

	_, err := client.ListRunners(context.Background(), "app")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream unavailable", apiErr.Message)
	assert.False(t, IsNotFound(err))
}

func TestParseLinkNext(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"empty", "", ""},
		{"next and last", `<https://api.github.com/x?page=2>; rel="next", <https://api.github.com/x?page=5>; rel="last"`, "https://api.github.com/x?page=2"},
		{"last only", `<https://api.github.com/x?page=5>; rel="last"`, ""},
		{"prev before next", `<https://a/x?page=1>; rel="prev", <https://a/x?page=3>; rel="next"`, "https://a/x?page=3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLinkNext(tt.header))
		})
	}
}
