package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestCheckCompliance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/check-compliance", r.URL.Path)

		var in checkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "HIPAA", in.Regulation)
		require.Len(t, in.TestCases, 1)
		assert.Equal(t, "Verify PHI encryption", in.TestCases[0].Title)

		_, _ = w.Write([]byte(`{"results":[{
			"compliance_score": 0.3,
			"compliance_status": "Non-Compliant",
			"violations": ["No encryption verification for PHI handling"],
			"recommendations": ["Add audit log verification step"],
			"regulatory_citations": ["45 CFR 164.312"]
		}]}`))
	})

	tc := &types.TestCase{ID: "t1", Payload: types.TestCasePayload{Title: "Verify PHI encryption"}}
	eval, err := c.CheckCompliance(context.Background(), tc, "HIPAA")
	require.NoError(t, err)
	require.NotNil(t, eval.Score)
	assert.InDelta(t, 0.3, *eval.Score, 1e-9)
	assert.Equal(t, "Non-Compliant", eval.Status)
	assert.Equal(t, []string{"45 CFR 164.312"}, eval.Citations)
}

func TestCheckComplianceEmptyResults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	})

	eval, err := c.CheckCompliance(context.Background(), &types.TestCase{ID: "t1"}, "GDPR")
	require.NoError(t, err)
	assert.Nil(t, eval.Score)
}

func TestCheckComplianceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		class  syncerr.Class
	}{
		{name: "server error", status: http.StatusInternalServerError, class: syncerr.ClassTransient},
		{name: "bad request", status: http.StatusBadRequest, class: syncerr.ClassPermanent},
		{name: "malformed body", status: http.StatusOK, body: "{", class: syncerr.ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.CheckCompliance(context.Background(), &types.TestCase{ID: "t1"}, "HIPAA")
			require.Error(t, err)
			assert.Equal(t, tt.class, syncerr.ClassOf(err))
		})
	}
}

func TestGenerateTestCases(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate-test-cases", r.URL.Path)

		var in generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, []string{"HIPAA"}, in.RegulatoryTags)

		_, _ = w.Write([]byte(`{"test_cases":[
			{"title":"A","steps":[{"step":1,"action":"open chart"}],"priority":"High"},
			{"title":"B"}
		]}`))
	})

	tcs, err := c.GenerateTestCases(context.Background(), "Protect PHI", []string{"HIPAA"})
	require.NoError(t, err)
	require.Len(t, tcs, 2)
	assert.Equal(t, "open chart", tcs[0].Steps[0].Action)
}
