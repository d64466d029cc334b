package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/carscope/internal/config"
	"github.com/kiranshivaraju/carscope/internal/enrichment/httpx"
	"github.com/kiranshivaraju/carscope/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(baseURL string) *Provider {
	return NewProvider(config.AnthropicConfig{
		APIKey:  "sk-ant-test",
		BaseURL: baseURL,
		Model:   "claude-test",
	}, 5*time.Second, 100*time.Millisecond)
}

func TestSubmitBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages/batches", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var body createBatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Requests, 1)
		req := body.Requests[0]
		assert.Regexp(t, `^[a-zA-Z0-9_-]{1,64}$`, req.CustomID)
		assert.Equal(t, "claude-test", req.Params.Model)
		assert.Equal(t, "sys", req.Params.System)
		content := req.Params.Messages[0].Content
		require.Len(t, content, 2)
		assert.Equal(t, "image", content[0].Type)
		assert.Equal(t, "https://cdn/x.jpg", content[0].Source.URL)
		assert.Equal(t, "text", content[1].Type)

		w.Write([]byte(`{"id":"msgbatch_1","processing_status":"in_progress"}`))
	}))
	defer srv.Close()

	id, err := newTestProvider(srv.URL).SubmitBatch(context.Background(), []models.EnrichmentRequest{
		{CustomID: "28car:s123", SystemPrompt: "sys", UserText: "hello", ImageURLs: []string{"https://cdn/x.jpg"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "msgbatch_1", id)
}

func TestSubmitBatch_CustomIDTooLong(t *testing.T) {
	long := make([]byte, 60)
	for i := range long {
		long[i] = 'x'
	}
	_, err := newTestProvider("http://unused").SubmitBatch(context.Background(),
		[]models.EnrichmentRequest{{CustomID: "site:" + string(long)}})
	assert.ErrorIs(t, err, httpx.ErrRequestRejected)
}

func TestValidateRequest(t *testing.T) {
	p := newTestProvider("http://unused")

	assert.NoError(t, p.ValidateRequest(models.EnrichmentRequest{CustomID: "28car:s123"}))

	long := strings.Repeat("x", 60)
	err := p.ValidateRequest(models.EnrichmentRequest{CustomID: "site:" + long})
	assert.ErrorIs(t, err, httpx.ErrRequestRejected)
}

func TestGetJob(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status string
		output string
	}{
		{"in progress", `{"id":"b","processing_status":"in_progress"}`, models.JobStatusRunning, ""},
		{"canceling", `{"id":"b","processing_status":"canceling"}`, models.JobStatusRunning, ""},
		{"ended", `{"id":"b","processing_status":"ended","request_counts":{"succeeded":3,"errored":1},
			"results_url":"https://api.example/results"}`, models.JobStatusCompleted, "https://api.example/results"},
		{"all expired", `{"id":"b","processing_status":"ended","request_counts":{"expired":4},"results_url":"r"}`,
			models.JobStatusExpired, "r"},
		{"all canceled", `{"id":"b","processing_status":"ended","request_counts":{"canceled":2},"results_url":"r"}`,
			models.JobStatusCancelled, "r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/messages/batches/b", r.URL.Path)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			job, err := newTestProvider(srv.URL).GetJob(context.Background(), "b")
			require.NoError(t, err)
			assert.Equal(t, tt.status, job.Status)
			assert.Equal(t, tt.output, job.OutputFileID)
			assert.Empty(t, job.ErrorFileID)
		})
	}
}

func TestDownloadFile_AbsoluteAndRelative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()
	p := newTestProvider(srv.URL)

	data, err := p.DownloadFile(context.Background(), srv.URL+"/v1/messages/batches/b/results")
	require.NoError(t, err)
	assert.Equal(t, "/v1/messages/batches/b/results", string(data))

	data, err = p.DownloadFile(context.Background(), "/v1/messages/batches/c/results")
	require.NoError(t, err)
	assert.Equal(t, "/v1/messages/batches/c/results", string(data))
}

func TestParseResultLine(t *testing.T) {
	p := newTestProvider("http://unused")
	id := base64.RawURLEncoding.EncodeToString([]byte("28car:s123"))

	res, err := p.ParseResultLine([]byte(`{"custom_id":"` + id + `","result":{"type":"succeeded","message":{
		"content":[{"type":"text","text":"{\"brand\":\"BMW\"}"}],
		"usage":{"input_tokens":1200,"output_tokens":80}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "28car:s123", res.CustomID)
	assert.Nil(t, res.Error)
	assert.JSONEq(t, `{"brand":"BMW"}`, string(res.Content))
	assert.Equal(t, models.Usage{InputTokens: 1200, OutputTokens: 80}, res.Usage)

	res, err = p.ParseResultLine([]byte(`{"custom_id":"` + id + `","result":{"type":"errored",
		"error":{"type":"error","error":{"type":"invalid_request_error","message":"bad image"}}}}`))
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "invalid_request_error", res.Error.Code)
	assert.Equal(t, "bad image", res.Error.Message)

	res, err = p.ParseResultLine([]byte(`{"custom_id":"` + id + `","result":{"type":"expired"}}`))
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "expired", res.Error.Code)

	_, err = p.ParseResultLine([]byte(`{"custom_id":"%%%","result":{"type":"succeeded"}}`))
	assert.ErrorIs(t, err, httpx.ErrInvalidResponse)

	_, err = p.ParseResultLine([]byte(`nope`))
	assert.ErrorIs(t, err, httpx.ErrInvalidResponse)
}

func TestCustomIDRoundTrip(t *testing.T) {
	enc, err := encodeCustomID("mobile.de:AB-123/9")
	require.NoError(t, err)
	dec, err := decodeCustomID(enc)
	require.NoError(t, err)
	assert.Equal(t, "mobile.de:AB-123/9", dec)
}
