package proxy

import (
	"bufio"
	"io"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/internal/reqlog"
	"github.com/cyderhq/cyder-gateway/internal/upstream"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

// relayUpstreamError forwards a non-2xx upstream response verbatim. The
// upstream body is never wrapped in the gateway envelope; the log captures
// a truncated copy and ends in ERROR.
func (g *Gateway) relayUpstreamError(ctx *fasthttp.RequestCtx, entry *model.RequestLog, p dispatchParams, resp *upstream.Response) {
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	entry.ResponseBody = reqlog.TruncateBody(body)

	ctx.SetStatusCode(resp.Status)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		ctx.SetContentType(ct)
	}
	ctx.SetBody(body)

	g.log.Warn("upstream error",
		slog.Int64("log_id", entry.ID),
		slog.String("provider", p.provider.Key),
		slog.Int("status", resp.Status))
	g.finalize(entry, model.StatusError, dialect.Usage{}, p)
}

// relayUnary buffers the whole upstream body, translates it once when the
// dialects differ, and returns it as a single response.
func (g *Gateway) relayUnary(ctx *fasthttp.RequestCtx, entry *model.RequestLog, p dispatchParams, resp *upstream.Response) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		g.fail(ctx, entry, p.client, apierr.Wrap(apierr.KindInternal, "upstream body read failed", err))
		return
	}
	entry.FirstChunkAt = time.Now().UnixMilli()

	var usage dialect.Usage
	out := body
	if p.passthrough {
		// Same dialect both sides: relay verbatim, decode only for usage.
		if srcCodec, cerr := g.translator.Codec(p.upstream); cerr == nil {
			if r, derr := srcCodec.DecodeResponse(body, p.ids); derr == nil && r.Usage != nil {
				usage.Fold(r.Usage)
			}
		}
	} else {
		translated, irResp, terr := g.translator.TranslateResponse(p.upstream, p.client, body, p.ids)
		if terr != nil {
			g.recordTranslationError(p.upstream, p.client)
			entry.ResponseBody = reqlog.TruncateBody(body)
			g.fail(ctx, entry, p.client, apierr.Wrap(apierr.KindTranslation, "response translation failed", terr))
			return
		}
		out = translated
		usage.Fold(irResp.Usage)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ct := "application/json"
	if p.passthrough {
		if upstreamCT := resp.Header.Get("Content-Type"); upstreamCT != "" {
			ct = upstreamCT
		}
	}
	ctx.SetContentType(ct)
	ctx.SetBody(out)

	g.finalize(entry, model.StatusSuccess, usage, p)
}

// relayStream pipes the upstream chunk stream to the client.
//
// Chunks are re-framed line by line: passthrough streams copy upstream
// lines verbatim (decoding data payloads only for usage accounting), while
// translating streams convert each data payload through the IR and write it
// in the client dialect's framing. A client write failure cancels the
// upstream request and closes the log as CANCELLED.
func (g *Gateway) relayStream(ctx *fasthttp.RequestCtx, entry *model.RequestLog, p dispatchParams, resp *upstream.Response) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	srcCodec, err := g.translator.Codec(p.upstream)
	if err != nil {
		resp.Body.Close()
		g.fail(ctx, entry, p.client, apierr.Wrap(apierr.KindInternal, "unknown dialect", err))
		return
	}
	dstCodec, err := g.translator.Codec(p.client)
	if err != nil {
		resp.Body.Close()
		g.fail(ctx, entry, p.client, apierr.Wrap(apierr.KindInternal, "unknown dialect", err))
		return
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer resp.Body.Close()

		var (
			usage    dialect.Usage
			splitter dialect.LineSplitter
			st       dialect.EncodeState
			status   = model.StatusSuccess
			chunks   = 0
			first    = true
		)

		buf := make([]byte, 32*1024)
	readLoop:
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if first {
					entry.FirstChunkAt = time.Now().UnixMilli()
					first = false
				}
				for _, line := range splitter.Push(buf[:n]) {
					written, lineErr := g.relayLine(w, line, p, srcCodec, dstCodec, &usage, &st)
					if lineErr != nil {
						// Downstream socket gone; abort the upstream read.
						status = model.StatusCancelled
						break readLoop
					}
					chunks += written
				}
				if ferr := w.Flush(); ferr != nil {
					status = model.StatusCancelled
					break
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				g.log.Warn("upstream stream broke",
					slog.Int64("log_id", entry.ID),
					slog.String("provider", p.provider.Key),
					slog.String("error", rerr.Error()))
				status = model.StatusError
				break
			}
		}

		if status == model.StatusSuccess {
			if rest := splitter.Rest(); len(rest) > 0 {
				if written, lineErr := g.relayLine(w, rest, p, srcCodec, dstCodec, &usage, &st); lineErr == nil {
					chunks += written
				}
			}
			if !p.passthrough {
				if terminal := dstCodec.Terminal(); terminal != nil {
					_, _ = w.Write(terminal)
				}
			}
			_ = w.Flush()
		}

		g.finalize(entry, status, usage, p)
		if g.metrics != nil {
			g.metrics.AddStreamChunks(string(p.client), p.provider.Key, chunks)
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(p.route, fasthttp.StatusOK, time.Since(p.start))
		}
	})
}

// relayLine handles one upstream line. It returns how many client events
// were written (0 or 1) and a non-nil error only when the client write
// failed.
func (g *Gateway) relayLine(w *bufio.Writer, line []byte, p dispatchParams, srcCodec, dstCodec dialect.Codec, usage *dialect.Usage, st *dialect.EncodeState) (int, error) {
	payload, ok := g.framePayload(line, p)

	if p.passthrough {
		// Verbatim copy, including blank separator lines and any upstream
		// terminal sentinel.
		if ok && !dialect.IsDone(payload) {
			if chunk, derr := srcCodec.DecodeChunk(payload, p.ids); derr == nil && chunk != nil {
				usage.Fold(chunk.Usage)
			}
		}
		if _, werr := w.Write(line); werr != nil {
			return 0, werr
		}
		if _, werr := w.Write([]byte("\n")); werr != nil {
			return 0, werr
		}
		if ok {
			return 1, nil
		}
		return 0, nil
	}

	if !ok || dialect.IsDone(payload) {
		return 0, nil
	}

	out, chunk, terr := g.translator.TranslateChunk(p.upstream, p.client, payload, p.ids, st)
	if terr != nil {
		// A malformed chunk mid-stream cannot surface a 502 anymore; drop
		// it and keep the stream alive.
		g.recordTranslationError(p.upstream, p.client)
		g.log.Warn("chunk translation failed",
			slog.String("from", string(p.upstream)),
			slog.String("to", string(p.client)),
			slog.String("error", terr.Error()))
		return 0, nil
	}
	if chunk != nil {
		usage.Fold(chunk.Usage)
	}
	if out == nil {
		return 0, nil
	}
	if _, werr := w.Write(dstCodec.FormatEvent(out)); werr != nil {
		return 0, werr
	}
	return 1, nil
}

// framePayload extracts the chunk payload from one upstream line: the SSE
// data field for SSE upstreams, the bare line for NDJSON (Ollama).
func (g *Gateway) framePayload(line []byte, p dispatchParams) ([]byte, bool) {
	if p.upstream == dialect.Ollama {
		if len(line) == 0 {
			return nil, false
		}
		return line, true
	}
	return dialect.ParseSSELine(line)
}
