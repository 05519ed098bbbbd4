package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/inboxwatch/internal/log"
	"github.com/flitsinc/inboxwatch/internal/monitor"
	"github.com/flitsinc/inboxwatch/internal/watch"
)

const streamRetryDelay = time.Second

var errStreamTimeout = errors.New("stream timeout must be positive")

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func (s *Server) handleInboxWS(w http.ResponseWriter, r *http.Request) {
	if s.Waiter == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("waiter"))
		return
	}
	var keys []monitor.Key
	for _, raw := range splitComma(r.URL.Query().Get("keys")) {
		key, err := monitor.ParseKey(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("keys is required"))
		return
	}
	timeout, err := s.parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if timeout <= 0 {
		writeError(w, http.StatusBadRequest, errStreamTimeout)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// Ends ctx when the client closes the connection.
	ctx := conn.CloseRead(r.Context())
	if err := streamOutcomes(ctx, s.Waiter, keys, timeout, conn); err != nil && ctx.Err() == nil {
		log.Warn(ctx, "inbox stream ended", log.Cause(err))
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// streamOutcomes waits on every key in a loop and writes each new item as an
// outcome message. Writes happen on a single goroutine. A wait that reports a
// disrupted source or fails is followed by a pause of streamRetryDelay.
func streamOutcomes(ctx context.Context, waiter watch.Waiter, keys []monitor.Key, timeout time.Duration, writer wsWriter) error {
	if timeout <= 0 {
		return errStreamTimeout
	}
	g, ctx := errgroup.WithContext(ctx)
	outcomes := make(chan outcomeResponse)

	for _, key := range keys {
		g.Go(func() error {
			pause := func() bool {
				select {
				case <-ctx.Done():
					return false
				case <-time.After(streamRetryDelay):
					return true
				}
			}
			for ctx.Err() == nil {
				out, err := waiter.WaitForNext(ctx, key, timeout)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.Warn(ctx, "stream wait failed", log.String("key", string(key)), log.Cause(err))
					if !pause() {
						return nil
					}
					continue
				}
				switch out.Kind {
				case monitor.OutcomeCancelled:
					return nil
				case monitor.OutcomeNew:
					select {
					case outcomes <- newOutcomeResponse(key, out):
					case <-ctx.Done():
						return nil
					}
				default:
					if out.Disruption != nil && !pause() {
						return nil
					}
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-outcomes:
				payload, err := json.Marshal(msg)
				if err != nil {
					return err
				}
				if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}
