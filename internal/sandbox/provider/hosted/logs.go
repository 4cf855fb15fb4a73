package hosted

import (
	"bytes"
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
)

// logReadBufferSize is the chunk size for reading streamed log bodies.
const logReadBufferSize = 4096

// StreamLogs opens a follow stream for one service's logs and forwards raw
// chunks on the returned channel. The channel closes when the upstream
// stream ends or the context is cancelled. Invalid UTF-8 in a chunk is
// replaced rather than dropped so partial multibyte reads never corrupt
// the stream for consumers.
func (p *Provider) StreamLogs(ctx context.Context, id, service string) (<-chan []byte, error) {
	path := "/v1/sandboxes/" + url.PathEscape(id) + "/services/" + url.PathEscape(service) + "/logs?follow=true"

	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+path, nil)
	if err != nil {
		return nil, apperrors.InternalError("failed to build log request", err)
	}
	req.SetBasicAuth(p.cfg.TokenID, p.cfg.TokenSecret)

	resp, err := p.streamClient.Do(req)
	if err != nil {
		return nil, apperrors.BackendFailure("log stream request failed", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, apperrors.NotFound("sandbox", id)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := readResponseBody(resp)
		_ = resp.Body.Close()
		return nil, apperrors.BackendUnavailable(resp.StatusCode, truncateBody(body))
	}

	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		buf := make([]byte, logReadBufferSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := bytes.ToValidUTF8(buf[:n], []byte("�"))
				out := make([]byte, len(chunk))
				copy(out, chunk)
				select {
				case ch <- out:
				case <-ctx.Done():
					return
				}
			}
			if readErr != nil {
				if ctx.Err() == nil {
					p.logger.Debug("log stream closed",
						zap.String("sandbox_id", id),
						zap.String("service", service),
						zap.Error(readErr))
				}
				return
			}
		}
	}()

	return ch, nil
}
