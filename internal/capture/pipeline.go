package capture

import (
	"bytes"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanti-proxy/backend/internal/model"
)

// MaxBodyBytes is the default cap on buffered request/response bodies.
const MaxBodyBytes = 10 * 1024 * 1024

// Pipeline assigns monotonic ids, buffers and caps bodies, and builds the
// RequestDetails records described by spec §4.3. It does not itself rewrite
// headers, decide scope, or fan out events — callers (the MITM engine) own
// that, applying PrepareOutbound and the scope filter against the live
// ProxyConfig the pipeline doesn't track.
type Pipeline struct {
	log          zerolog.Logger
	nextID       int64
	maxBodyBytes int64
}

// New returns a Pipeline. maxBodyBytes <= 0 falls back to MaxBodyBytes.
func New(log zerolog.Logger, maxBodyBytes int64) *Pipeline {
	if maxBodyBytes <= 0 {
		maxBodyBytes = MaxBodyBytes
	}
	return &Pipeline{log: log.With().Str("component", "capture").Logger(), maxBodyBytes: maxBodyBytes}
}

// Started carries the per-exchange correlation state a caller must hold
// between CaptureRequest and CaptureResponse, per spec §4.3 ("Correlation").
type Started struct {
	ID        int64
	StartTime time.Time
}

// CaptureRequest assigns an id, buffers and caps the request body (restoring
// it onto req.Body for forwarding), and returns the built record alongside
// the correlation token for the eventual response.
func (p *Pipeline) CaptureRequest(req *http.Request) (model.RequestDetails, Started) {
	id := atomic.AddInt64(&p.nextID, 1)
	startTime := time.Now()

	protocol := "http"
	if req.TLS != nil {
		protocol = "https"
	}

	body := p.bufferAndRestore(&req.Body)

	rec := model.RequestDetails{
		ID:          id,
		Host:        req.Host,
		Method:      req.Method,
		Path:        req.URL.Path,
		Query:       req.URL.RawQuery,
		Headers:     req.Header.Clone(),
		Timestamp:   startTime,
		Protocol:    protocol,
		RequestBody: string(body),
	}

	return rec, Started{ID: id, StartTime: startTime}
}

// CaptureResponse builds the response-side completion of a previously
// captured request. resp must be non-nil; when an upstream failure leaves no
// response, the caller uses CaptureError instead.
//
// Only textual content is buffered: per spec §4.3, non-textual bodies
// (images, video, archives, downloads) are forwarded to the client untouched
// rather than read into memory and capped at maxBodyBytes, since that cap
// exists for storage, not for the client's download. Their responseLength is
// therefore not known when this method returns; onFinalLength, if non-nil,
// is called once the body has fully streamed to the client with the
// complete byte count, so the caller can push a follow-up update onto the
// record this method returns. onFinalLength is never called for textual
// content, whose length is already known synchronously.
func (p *Pipeline) CaptureResponse(req *http.Request, resp *http.Response, started Started, onFinalLength func(length int)) model.RequestDetails {
	protocol := "http"
	if req.TLS != nil {
		protocol = "https"
	}

	rec := model.RequestDetails{
		ID:              started.ID,
		Host:            req.Host,
		Method:          req.Method,
		Path:            req.URL.Path,
		Query:           req.URL.RawQuery,
		Headers:         req.Header.Clone(),
		Timestamp:       started.StartTime,
		Protocol:        protocol,
		Status:          resp.StatusCode,
		ResponseHeaders: resp.Header.Clone(),
		ResponseTimeMs:  time.Since(started.StartTime).Milliseconds(),
	}

	contentType := resp.Header.Get("Content-Type")
	if !IsTextual(contentType) {
		if resp.Body == nil {
			if onFinalLength != nil {
				onFinalLength(0)
			}
			return rec
		}
		if onFinalLength != nil {
			resp.Body = newCountingBody(resp.Body, onFinalLength)
		}
		return rec
	}

	raw := p.bufferAndRestore(&resp.Body)
	rec.ResponseLength = len(raw)

	decoded, err := Decompress(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		p.log.Warn().Err(err).Int64("id", started.ID).Msg("decompression failed, storing empty body")
		rec.ResponseBody = ""
	} else {
		rec.ResponseBody = string(decoded)
	}

	return rec
}

// CaptureError synthesizes a terminal record for an upstream dial/TLS/read
// failure, per spec §7: status=0, error=<category>, no body.
func (p *Pipeline) CaptureError(req *http.Request, started Started, category string) model.RequestDetails {
	protocol := "http"
	if req.TLS != nil {
		protocol = "https"
	}

	return model.RequestDetails{
		ID:             started.ID,
		Host:           req.Host,
		Method:         req.Method,
		Path:           req.URL.Path,
		Query:          req.URL.RawQuery,
		Headers:        req.Header.Clone(),
		Timestamp:      started.StartTime,
		Protocol:       protocol,
		Status:         0,
		ResponseTimeMs: time.Since(started.StartTime).Milliseconds(),
		Error:          category,
	}
}

// bufferAndRestore reads up to maxBodyBytes from *body, replaces *body with
// a reader over what was read so the exchange can still be forwarded, and
// returns the captured bytes. A nil *body yields nil.
func (p *Pipeline) bufferAndRestore(body *io.ReadCloser) []byte {
	if body == nil || *body == nil {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(*body, p.maxBodyBytes))
	if err != nil {
		p.log.Warn().Err(err).Msg("error reading body for capture")
	}
	(*body).Close()
	*body = io.NopCloser(bytes.NewReader(data))
	return data
}

// countingBody wraps a response body so bytes can be tallied as they stream
// to the client, without buffering them, giving non-textual responses an
// accurate responseLength while still forwarding untouched. onClose fires at
// most once, with the total bytes read before Close.
type countingBody struct {
	io.ReadCloser
	n       int64
	onClose func(length int)
	closed  bool
}

func newCountingBody(body io.ReadCloser, onClose func(length int)) *countingBody {
	return &countingBody{ReadCloser: body, onClose: onClose}
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingBody) Close() error {
	err := c.ReadCloser.Close()
	if !c.closed {
		c.closed = true
		c.onClose(int(c.n))
	}
	return err
}
