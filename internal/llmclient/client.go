// Package llmclient talks to a local text-generation daemon over HTTP for
// embedding and generation, retrying transient failures the way the
// mediawiki download clients do.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/xerrors"
)

const (
	defaultEmbedTimeout    = 15 * time.Second
	defaultGenerateTimeout = 30 * time.Second
	defaultRetryMax        = 3
	defaultRetryWaitMin    = 500 * time.Millisecond
	defaultRetryWaitMax    = 8 * time.Second

	// remoteErrorExcerptLimit bounds how much of a failing response body is
	// kept in RemoteError's Details, to avoid logging megabytes of HTML
	// error pages.
	remoteErrorExcerptLimit = 512
)

// Config configures a Client.
type Config struct {
	// BaseURL is the address of the generation daemon, e.g.
	// "http://localhost:11434".
	BaseURL string
	// EmbedModel and GenerateModel name the models to request.
	EmbedModel    string
	GenerateModel string

	EmbedTimeout    time.Duration
	GenerateTimeout time.Duration

	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// EmbedDimension, if non-zero, is the expected length of every vector
	// Embed returns. A mismatch is rejected as a VectorDim error rather
	// than left for the vector store to discover later (spec.md §4.4:
	// "embed fails if the returned vector has the wrong dimension").
	EmbedDimension int
}

// nullLogger silences retryablehttp's default logging, mirroring the
// teacher's httpClient.Logger = nullLogger{} idiom until the client is
// wired to the structured logger.
type nullLogger struct{}

func (nullLogger) Printf(string, ...interface{}) {}

// Client is a retrying HTTP client for the embed/generate wire protocol.
type Client struct {
	httpClient    *retryablehttp.Client
	baseURL       string
	embedModel    string
	generateModel string

	embedTimeout    time.Duration
	generateTimeout time.Duration
	embedDimension  int
}

// New builds a Client from cfg, filling in the spec's documented defaults
// for any zero-valued field.
func New(cfg Config) *Client {
	retryMax := cfg.RetryMax
	if retryMax == 0 {
		retryMax = defaultRetryMax
	}
	retryWaitMin := cfg.RetryWaitMin
	if retryWaitMin == 0 {
		retryWaitMin = defaultRetryWaitMin
	}
	retryWaitMax := cfg.RetryWaitMax
	if retryWaitMax == 0 {
		retryWaitMax = defaultRetryWaitMax
	}
	embedTimeout := cfg.EmbedTimeout
	if embedTimeout == 0 {
		embedTimeout = defaultEmbedTimeout
	}
	generateTimeout := cfg.GenerateTimeout
	if generateTimeout == 0 {
		generateTimeout = defaultGenerateTimeout
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = retryMax
	httpClient.RetryWaitMin = retryWaitMin
	httpClient.RetryWaitMax = retryWaitMax
	httpClient.Logger = nullLogger{}
	httpClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
		req.Header.Set("User-Agent", "wikicore/1 (offline encyclopedia core)")
	}
	// A 4xx response (429 included) is final and is not retried.
	httpClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if retry && resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return false, nil
		}
		return retry, checkErr
	}
	// Hand the last response back once retries are exhausted, so doJSON
	// classifies a failing status as RemoteError instead of Unreachable.
	httpClient.ErrorHandler = func(resp *http.Response, err error, _ int) (*http.Response, error) {
		if resp != nil {
			return resp, nil
		}
		return nil, err
	}

	return &Client{
		httpClient:      httpClient,
		baseURL:         cfg.BaseURL,
		embedModel:      cfg.EmbedModel,
		generateModel:   cfg.GenerateModel,
		embedTimeout:    embedTimeout,
		generateTimeout: generateTimeout,
		embedDimension:  cfg.EmbedDimension,
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, errors.E) {
	ctx, cancel := context.WithTimeout(ctx, c.embedTimeout)
	defer cancel()

	var resp embedResponse
	if errE := c.doJSON(ctx, "/api/embed", embedRequest{Model: c.embedModel, Input: text}, &resp); errE != nil {
		return nil, errE
	}
	if c.embedDimension > 0 && len(resp.Embedding) != c.embedDimension {
		return nil, xerrors.Newf(xerrors.VectorDim, "generation daemon returned a %d-dimensional embedding, expected %d", len(resp.Embedding), c.embedDimension)
	}
	return resp.Embedding, nil
}

type generateOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate temperature bounds (spec.md §4.4: "temperature in [0, 2]").
const (
	minTemperature = 0.0
	maxTemperature = 2.0
)

// GenerateOptions tunes a single Generate call.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	// Stop lists sequences at which the daemon should stop generating.
	Stop []string
}

// clampTemperature folds an out-of-range temperature into spec.md §4.4's
// documented bound instead of forwarding it to the daemon unchecked.
func clampTemperature(t float64) float64 {
	if t < minTemperature {
		return minTemperature
	}
	if t > maxTemperature {
		return maxTemperature
	}
	return t
}

// Generate produces free-form text continuing prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, errors.E) {
	ctx, cancel := context.WithTimeout(ctx, c.generateTimeout)
	defer cancel()

	req := generateRequest{
		Model:  c.generateModel,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: clampTemperature(opts.Temperature),
			MaxTokens:   opts.MaxTokens,
			Stop:        opts.Stop,
		},
	}

	var resp generateResponse
	if errE := c.doJSON(ctx, "/api/generate", req, &resp); errE != nil {
		return "", errE
	}
	return resp.Response, nil
}

// doJSON POSTs body as JSON to path and decodes the JSON response into out,
// classifying failures per spec.md's error taxonomy.
func (c *Client) doJSON(ctx context.Context, path string, body, out interface{}) errors.E {
	encoded, err := json.Marshal(body)
	if err != nil {
		return xerrors.Wrap(xerrors.Internal, err, "encoding request")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return xerrors.Wrap(xerrors.Internal, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return xerrors.Wrap(xerrors.Timeout, ctx.Err(), "generation daemon request timed out")
		}
		return xerrors.Wrap(xerrors.Unreachable, err, "generation daemon unreachable")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return xerrors.Wrap(xerrors.Unreachable, err, "reading generation daemon response")
	}

	if resp.StatusCode != http.StatusOK {
		excerpt := respBody
		if len(excerpt) > remoteErrorExcerptLimit {
			excerpt = excerpt[:remoteErrorExcerptLimit]
		}
		errE := xerrors.Newf(xerrors.RemoteError, "generation daemon returned %s", resp.Status)
		errors.Details(errE)["status"] = resp.StatusCode
		errors.Details(errE)["body"] = string(excerpt)
		return errE
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return xerrors.Wrap(xerrors.Malformed, err, "decoding generation daemon response")
	}
	return nil
}

// SummaryLength selects the target length class for a summarization
// prompt.
type SummaryLength string

const (
	SummaryShort  SummaryLength = "short"
	SummaryMedium SummaryLength = "medium"
	SummaryLong   SummaryLength = "long"
)

// SummarizePrompt renders a prompt asking the model to summarize body at
// the given length class.
func SummarizePrompt(title, body string, length SummaryLength) string {
	var guidance string
	switch length {
	case SummaryShort:
		guidance = "in one or two sentences"
	case SummaryLong:
		guidance = "in several detailed paragraphs"
	case SummaryMedium:
		fallthrough
	default:
		guidance = "in one concise paragraph"
	}
	return fmt.Sprintf(
		"Summarize the following encyclopedia article titled %q %s. Only use information present in the article.\n\n%s",
		title, guidance, body,
	)
}

// AskPrompt renders a context-restricted question-answering prompt. The
// model is instructed to answer only from context, never from outside
// knowledge. The title and the question are inserted quoted and escaped.
func AskPrompt(title, context, question string) string {
	return fmt.Sprintf(
		"You are answering a question using only the encyclopedia article titled %q below. "+
			"If the article does not contain the answer, say so plainly instead of guessing.\n\n"+
			"Article:\n%s\n\nQuestion: %q\nAnswer:",
		title, context, question,
	)
}
