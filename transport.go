package mega

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// This file is the API transaction engine (spec §4.3, component C3):
// the call-id sequencer, request batching, retry/backoff, and the
// error-taxonomy demultiplexing that turns a raw response body into
// either a filled-in success value or a mapped error per request.

const (
	defaultBackoffInitial = 10 * time.Second
	defaultBackoffCeiling = 120000 * time.Second
)

// Engine owns the per-session call-id counter and sid, matching spec
// §5's "a session owns exclusively: its API engine (callId counter,
// sid)". Two Engines are fully independent; nothing here is shared
// across sessions.
type Engine struct {
	http         HTTPClient
	baseURL      string
	sidParamName string
	sid          string

	callID int64

	backoffInitial time.Duration
	backoffCeiling time.Duration
	maxAttempts    int

	log zerolog.Logger
}

func newEngine(http HTTPClient, baseURL, sidParamName string, log zerolog.Logger) *Engine {
	return &Engine{
		http:           http,
		baseURL:        baseURL,
		sidParamName:   sidParamName,
		callID:         randomCallID(),
		backoffInitial: defaultBackoffInitial,
		backoffCeiling: defaultBackoffCeiling,
		log:            componentLogger(log, "transport"),
	}
}

// randomCallID seeds the sequence the way the teacher's New() does
// (a random 32-bit starting point), so independently started
// processes don't collide on low call ids against shared server-side
// logging/rate-limiting keyed on (sid, id).
func randomCallID() int64 {
	return int64(bytesToA32(randomBytes(4))[0] & 0x7fffffff)
}

func (e *Engine) SetSID(sid string) { e.sid = sid }
func (e *Engine) SID() string       { return e.sid }

// Batch accumulates requests with associated result destinations. It
// is not safe for concurrent use — the core is single-threaded
// cooperative per spec §5.
type Batch struct {
	eng  *Engine
	reqs []interface{}
	outs []interface{}
}

// NewBatch starts an empty batch against eng.
func (e *Engine) NewBatch() *Batch {
	return &Batch{eng: e}
}

// Add appends a request to the batch. out, if non-nil, is a pointer
// the matching success result is unmarshalled into once Flush
// completes; it is left untouched if that position errors.
func (b *Batch) Add(req interface{}, out interface{}) int {
	b.reqs = append(b.reqs, req)
	b.outs = append(b.outs, out)
	return len(b.reqs) - 1
}

// Flush sends the accumulated batch as one HTTP request and
// demultiplexes the response. The returned slice has one entry per
// Add call, in order (spec §4.3: "the per-position result... is
// delivered to the matching continuation"). The second return value
// is non-nil only for a failure that applies to the whole batch
// (transport failure after retries are exhausted, or a global
// negative-integer result) — per spec, every continuation is then
// considered rejected with that same error.
func (b *Batch) Flush(ctx context.Context) ([]error, error) {
	if len(b.reqs) == 0 {
		return nil, nil
	}

	id := b.eng.callID
	b.eng.callID++

	url := fmt.Sprintf("%s?id=%d", b.eng.baseURL, id)
	if b.eng.sid != "" {
		url = fmt.Sprintf("%s&%s=%s", url, b.eng.sidParamName, b.eng.sid)
	}

	body, err := json.Marshal(b.reqs)
	if err != nil {
		return nil, err
	}

	backoff := b.eng.backoffInitial
	attempts := 0
	for {
		raw, err := b.eng.http.Post(ctx, url, body)
		if err != nil {
			if isRetryableTransport(err) {
				attempts++
				if b.eng.maxAttempts > 0 && attempts >= b.eng.maxAttempts {
					return nil, err
				}
				b.eng.log.Debug().Err(err).Dur("backoff", backoff).Msg("retrying after transient transport failure")
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > b.eng.backoffCeiling {
					backoff = b.eng.backoffCeiling
				}
				continue
			}
			return nil, err
		}
		return demux(raw, b.outs)
	}
}

// demux implements the response-shape dispatch of spec §4.3: either a
// single integer (global error) or an array of per-request results
// (each a negative integer or a success object).
func demux(raw []byte, outs []interface{}) ([]error, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyResponse
	}

	var globalCode int64
	if err := json.Unmarshal(raw, &globalCode); err == nil {
		if err := codeToError(int(globalCode)); err != nil {
			return nil, err
		}
		// A bare non-negative integer is not a shape this protocol
		// produces for a batch; treat it as malformed rather than
		// silently succeeding with no results filled in.
		return nil, EBADRESP
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, EBADRESP
	}
	if len(items) != len(outs) {
		return nil, EBADRESP
	}

	results := make([]error, len(items))
	for i, item := range items {
		var code int64
		if err := json.Unmarshal(item, &code); err == nil {
			results[i] = codeToError(int(code))
			continue
		}
		if outs[i] != nil {
			if err := json.Unmarshal(item, outs[i]); err != nil {
				results[i] = EBADRESP
				continue
			}
		}
		results[i] = nil
	}
	return results, nil
}

// Call is the convenience single-request wrapper of spec §4.3: a
// batch of one, with a negative result mapped to a returned error.
func (e *Engine) Call(ctx context.Context, req interface{}, out interface{}) error {
	b := e.NewBatch()
	b.Add(req, out)
	results, err := b.Flush(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return ErrEmptyResponse
	}
	return results[0]
}
