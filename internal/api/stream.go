package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/core"
)

const (
	TrailerTokenCount = "X-Token-Count"
	TrailerStreamErr  = "X-Stream-Error"
)

// streamWriter defers the response header until the first token so that
// validation failures can still be reported as JSON errors.
type streamWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func (sw *streamWriter) start() {
	if sw.started {
		return
	}
	sw.started = true
	h := sw.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Trailer", TrailerTokenCount+", "+TrailerStreamErr)
	sw.w.WriteHeader(http.StatusOK)
}

func (sw *streamWriter) write(token string) {
	sw.start()
	if _, err := sw.w.Write([]byte(token)); err != nil {
		return
	}
	if err := sw.rc.Flush(); err != nil {
		log.Printf("[API] Flush failed: %v", err)
	}
}

// ChatStreamHandler streams a model reply as chunked plain text. The token
// count is sent as a trailer, and so is the error code when the stream breaks
// after output has started.
func (h *APIHandler) ChatStreamHandler(w http.ResponseWriter, r *http.Request) {
	sw := &streamWriter{w: w, rc: http.NewResponseController(w)}
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[API] Panic in chat stream: %v", p)
			err := chaterr.New(chaterr.BadRequest, chaterr.SurfaceAPI, chaterr.GenericMessage)
			if sw.started {
				w.Header().Set(TrailerStreamErr, err.Code())
				return
			}
			chaterr.Write(w, err)
		}
	}()

	if !h.limiter.Allow(callerKey(r)) {
		chaterr.Write(w, chaterr.New(chaterr.RateLimit, chaterr.SurfaceChat, "too many requests"))
		return
	}

	var req core.StreamRequest
	if err := decodeBody(r, &req); err != nil {
		chaterr.Write(w, err)
		return
	}

	out, err := h.chatService.Stream(r.Context(), req, sw.write)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("[API] Client went away during chat %s after %d tokens", req.ChatID, out.Tokens)
			return
		}
		if !sw.started {
			chaterr.Write(w, err)
			return
		}
		code := "bad_request:stream"
		if e, ok := chaterr.As(err); ok {
			code = e.Code()
		}
		w.Header().Set(TrailerTokenCount, strconv.Itoa(out.Tokens))
		w.Header().Set(TrailerStreamErr, code)
		return
	}

	sw.start()
	w.Header().Set(TrailerTokenCount, strconv.Itoa(out.Tokens))
}
