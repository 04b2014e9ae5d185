package openaicompat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/sjson"
)

// Patch sets one field of the outgoing JSON body. Path uses sjson syntax.
type Patch struct {
	Path  string
	Value any
}

// exchange carries per-call state between the adapter and the transport:
// body patches and headers going out, the raw reply coming back.
type exchange struct {
	patches []Patch
	headers http.Header
	capture bool

	status   int
	header   http.Header
	response []byte
}

type exchangeKey struct{}

func withExchange(ctx context.Context, ex *exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, ex)
}

func exchangeFrom(ctx context.Context) *exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*exchange)
	return ex
}

// applyPatches returns body with every patch applied in order.
func applyPatches(body []byte, patches []Patch) ([]byte, error) {
	var err error
	for _, p := range patches {
		body, err = sjson.SetBytes(body, p.Path, p.Value)
		if err != nil {
			return nil, fmt.Errorf("patch %s: %w", p.Path, err)
		}
	}
	return body, nil
}

// transport sits between go-openai and the network. go-openai only knows the
// fields of its own request types, so provider extensions are spliced into
// the serialized body here.
type transport struct {
	base openai.HTTPDoer
}

func (t *transport) Do(req *http.Request) (*http.Response, error) {
	ex := exchangeFrom(req.Context())
	if ex == nil {
		return t.base.Do(req)
	}
	for k, vals := range ex.headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if len(ex.patches) > 0 && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body, err = applyPatches(body, ex.patches)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	}

	resp, err := t.base.Do(req)
	if err != nil {
		return nil, err
	}
	ex.status = resp.StatusCode
	ex.header = resp.Header
	if ex.capture && resp.StatusCode < http.StatusMultipleChoices {
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		ex.response = body
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp, nil
}
