// Package mock is an in-memory, deterministic models.EnrichmentService for
// development and tests.
package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kiranshivaraju/carscope/internal/enrichment/httpx"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

// Reply is the canned outcome of one request.
type Reply struct {
	Content string
	Error   *models.LineError
	Usage   models.Usage
	// Omit leaves the request out of both result files.
	Omit bool
}

// Provider satisfies models.EnrichmentService without network access.
// Batches finish after PollsUntilDone calls to GetJob.
type Provider struct {
	// Respond produces the reply for one request; nil uses DefaultRespond.
	Respond func(req models.EnrichmentRequest) Reply
	// FinalStatus is the terminal status batches reach; "" means completed.
	FinalStatus    string
	PollsUntilDone int

	// Reject, when set, refuses individual requests ahead of submission.
	Reject func(req models.EnrichmentRequest) error

	SubmitErr   error
	GetJobErr   error
	DownloadErr error

	mu      sync.Mutex
	seq     int
	batches map[string]*batch
	files   map[string][]byte
}

type batch struct {
	requests []models.EnrichmentRequest
	polls    int
	done     bool
	outputID string
	errorID  string
	usage    models.Usage
}

func NewProvider() *Provider {
	return &Provider{
		batches: make(map[string]*batch),
		files:   make(map[string][]byte),
	}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) ValidateRequest(req models.EnrichmentRequest) error {
	if p.Reject == nil {
		return nil
	}
	return p.Reject(req)
}

func (p *Provider) SubmitBatch(_ context.Context, reqs []models.EnrichmentRequest) (string, error) {
	if p.SubmitErr != nil {
		return "", p.SubmitErr
	}
	for _, r := range reqs {
		if err := p.ValidateRequest(r); err != nil {
			return "", err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	id := fmt.Sprintf("mock-batch-%d", p.seq)
	p.batches[id] = &batch{requests: append([]models.EnrichmentRequest(nil), reqs...)}
	return id, nil
}

func (p *Provider) GetJob(_ context.Context, batchID string) (*models.RemoteJob, error) {
	if p.GetJobErr != nil {
		return nil, p.GetJobErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: status 404: batch %s not found", httpx.ErrRequestRejected, batchID)
	}
	b.polls++
	if !b.done && b.polls <= p.PollsUntilDone {
		return &models.RemoteJob{ID: batchID, Status: models.JobStatusRunning}, nil
	}
	if !b.done {
		p.finish(batchID, b)
	}

	status := p.FinalStatus
	if status == "" {
		status = models.JobStatusCompleted
	}
	return &models.RemoteJob{
		ID:           batchID,
		Status:       status,
		OutputFileID: b.outputID,
		ErrorFileID:  b.errorID,
		Usage:        b.usage,
	}, nil
}

func (p *Provider) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	if p.DownloadErr != nil {
		return nil, p.DownloadErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	data, ok := p.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: status 404: file %s not found", httpx.ErrRequestRejected, fileID)
	}
	return data, nil
}

func (p *Provider) ParseResultLine(line []byte) (models.ResultLine, error) {
	var l fileLine
	if err := json.Unmarshal(line, &l); err != nil {
		return models.ResultLine{}, fmt.Errorf("%w: %v", httpx.ErrInvalidResponse, err)
	}
	if l.CustomID == "" {
		return models.ResultLine{}, fmt.Errorf("%w: missing custom_id", httpx.ErrInvalidResponse)
	}
	res := models.ResultLine{CustomID: l.CustomID, Error: l.Error, Usage: l.Usage}
	if l.Error == nil {
		res.Content = json.RawMessage(l.Content)
	}
	return res, nil
}

// Requests returns what was submitted under batchID.
func (p *Provider) Requests(batchID string) []models.EnrichmentRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.batches[batchID]; ok {
		return append([]models.EnrichmentRequest(nil), b.requests...)
	}
	return nil
}

// SetFile stores raw file content; tests use it to inject malformed lines.
func (p *Provider) SetFile(fileID string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[fileID] = data
}

// finish renders the result files. Callers hold mu.
func (p *Provider) finish(batchID string, b *batch) {
	respond := p.Respond
	if respond == nil {
		respond = DefaultRespond
	}

	var out, errs bytes.Buffer
	for _, req := range b.requests {
		r := respond(req)
		if r.Omit {
			continue
		}
		b.usage.Add(r.Usage)
		line, _ := json.Marshal(fileLine{CustomID: req.CustomID, Content: r.Content, Error: r.Error, Usage: r.Usage})
		if r.Error != nil {
			errs.Write(line)
			errs.WriteByte('\n')
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
	}

	b.outputID = batchID + "-output"
	p.files[b.outputID] = out.Bytes()
	if errs.Len() > 0 {
		b.errorID = batchID + "-errors"
		p.files[b.errorID] = errs.Bytes()
	}
	b.done = true
}

type fileLine struct {
	CustomID string            `json:"custom_id"`
	Content  string            `json:"content,omitempty"`
	Error    *models.LineError `json:"error,omitempty"`
	Usage    models.Usage      `json:"usage"`
}

// DefaultRespond echoes the listing's own brand and model text back as
// attributes, with token usage proportional to the prompt.
func DefaultRespond(req models.EnrichmentRequest) Reply {
	fields := map[string]string{}
	for _, line := range strings.Split(req.UserText, "\n") {
		k, v, ok := strings.Cut(line, ": ")
		if ok {
			fields[k] = v
		}
	}
	doc := map[string]any{
		"site":       fields["site"],
		"id":         fields["id"],
		"brand":      nullable(fields["brand"]),
		"model_name": nullable(fields["model"]),
	}
	content, _ := json.Marshal(doc)
	return Reply{
		Content: string(content),
		Usage: models.Usage{
			InputTokens:  int64(len(req.SystemPrompt)+len(req.UserText))/4 + 85*int64(len(req.ImageURLs)),
			OutputTokens: int64(len(content)) / 4,
		},
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ models.EnrichmentService = (*Provider)(nil)
	_ models.RequestValidator  = (*Provider)(nil)
)
