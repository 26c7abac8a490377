package tracker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:    srv.URL + "/",
		Username:   "qa@example.com",
		APIToken:   "secret",
		ProjectKey: "HC",
		Timeout:    2 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestCreateIssue(t *testing.T) {
	var got map[string]map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/api/3/issue", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "qa@example.com", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10001","key":"HC-7"}`))
	})

	key, err := c.CreateIssue(context.Background(), IssueInput{
		Summary:     "Compliance defect",
		Description: Doc(Paragraph(Text("body"))),
		IssueType:   TypeBug,
		Priority:    "High",
		Labels:      []string{"automated-testing", "HIPAA"},
	})
	require.NoError(t, err)
	assert.Equal(t, "HC-7", key)

	fields := got["fields"]
	assert.Equal(t, "Compliance defect", fields["summary"])
	assert.Equal(t, map[string]any{"key": "HC"}, fields["project"])
	assert.Equal(t, map[string]any{"name": "Bug"}, fields["issuetype"])
	assert.Equal(t, map[string]any{"name": "High"}, fields["priority"])
	assert.Equal(t, "doc", fields["description"].(map[string]any)["type"])
}

func TestUpdateIssue(t *testing.T) {
	tests := []struct {
		name   string
		status int
		class  syncerr.Class
		ok     bool
	}{
		{name: "no content", status: http.StatusNoContent, ok: true},
		{name: "ok", status: http.StatusOK, ok: true},
		{name: "missing issue is stale", status: http.StatusNotFound, class: syncerr.ClassStale},
		{name: "bad payload is permanent", status: http.StatusBadRequest, class: syncerr.ClassPermanent},
		{name: "forbidden is permanent", status: http.StatusForbidden, class: syncerr.ClassPermanent},
		{name: "rate limit is transient", status: http.StatusTooManyRequests, class: syncerr.ClassTransient},
		{name: "server error is transient", status: http.StatusBadGateway, class: syncerr.ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPut, r.Method)
				assert.Equal(t, "/rest/api/3/issue/HC-3", r.URL.Path)

				var body map[string]map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				_, hasProject := body["fields"]["project"]
				assert.False(t, hasProject)

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"errorMessages":["nope"]}`))
			})

			err := c.UpdateIssue(context.Background(), "HC-3", IssueInput{
				Summary:     "s",
				Description: Doc(),
			})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.class, syncerr.ClassOf(err))
		})
	}
}

func TestUpdateIssueLeavesUnsetFields(t *testing.T) {
	var got map[string]map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.UpdateIssue(context.Background(), "HC-3", IssueInput{
		Description: Doc(Paragraph(Text("findings"))),
		AddLabels:   []string{"almsync-id-i1"},
	})
	require.NoError(t, err)

	fields := got["fields"]
	assert.Contains(t, fields, "description")
	assert.NotContains(t, fields, "summary")
	assert.NotContains(t, fields, "priority")
	assert.NotContains(t, fields, "labels")
	assert.Equal(t, []any{map[string]any{"add": "almsync-id-i1"}}, got["update"]["labels"])
}

func TestGetIssue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rest/api/3/issue/HC-404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{
			"key": "HC-1",
			"fields": {
				"summary": "Audit logging",
				"description": {"type":"doc","version":1,"content":[{"type":"paragraph","content":[{"type":"text","text":"Log access"}]}]},
				"issuetype": {"name": "Story"},
				"priority": {"name": "Medium"},
				"status": {"name": "In Progress"},
				"assignee": {"displayName": "Dana"},
				"created": "2023-12-01T10:30:00.000+0000",
				"updated": "2023-12-02T08:00:00.000+0100"
			}
		}`))
	})

	issue, err := c.GetIssue(context.Background(), "HC-1")
	require.NoError(t, err)
	assert.Equal(t, "HC-1", issue.Key)

	synced := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := issue.Mirror(synced)
	assert.Equal(t, "Audit logging", m.Title)
	assert.Equal(t, "Log access", m.Description)
	assert.Equal(t, "Story", m.IssueType)
	assert.Equal(t, "Medium", m.Priority)
	assert.Equal(t, "In Progress", m.Status)
	assert.Equal(t, "Dana", m.Assignee)
	require.NotNil(t, m.RemoteUpdatedAt)
	assert.Equal(t, time.Date(2023, 12, 2, 7, 0, 0, 0, time.UTC), *m.RemoteUpdatedAt)
	assert.Equal(t, synced, *m.SyncedAt)

	_, err = c.GetIssue(context.Background(), "HC-404")
	assert.True(t, syncerr.IsStale(err))
}

func TestCreateLink(t *testing.T) {
	var link issueLink
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/issueLink", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&link))
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, c.CreateLink(context.Background(), "Relates", "HC-9", "HC-1"))
	assert.Equal(t, "Relates", link.Type.Name)
	assert.Equal(t, "HC-9", link.InwardIssue.Key)
	assert.Equal(t, "HC-1", link.OutwardIssue.Key)
}

func TestCreateLinkNotFoundIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.CreateLink(context.Background(), "Relates", "HC-9", "HC-1")
	assert.True(t, syncerr.IsPermanent(err))
}

func TestSearchByLabel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/search", r.URL.Path)
		assert.Equal(t, `project = "HC" AND labels = "almsync-id-abc"`, r.URL.Query().Get("jql"))
		_, _ = w.Write([]byte(`{"total":1,"issues":[{"key":"HC-5","fields":{"summary":"x","labels":["almsync-id-abc"]}}]}`))
	})

	issues, err := c.SearchByLabel(context.Background(), "almsync-id-abc")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "HC-5", issues[0].Key)
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	err = c.UpdateIssue(context.Background(), "HC-1", IssueInput{Description: Doc()})
	require.Error(t, err)
	assert.Equal(t, syncerr.ClassTransient, syncerr.ClassOf(err))
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2023-12-01T10:30:00.000+0000", want: time.Date(2023, 12, 1, 10, 30, 0, 0, time.UTC)},
		{in: "2023-12-01T12:30:00.000+0200", want: time.Date(2023, 12, 1, 10, 30, 0, 0, time.UTC)},
		{in: "2023-12-01T10:30:00Z", want: time.Date(2023, 12, 1, 10, 30, 0, 0, time.UTC)},
		{in: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got))
		})
	}
}
