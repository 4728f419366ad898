// events.go — обработчик GET /api/v1/events (Server-Sent Events).
// Поток переходов уровней, истечений и изменений trending.
// Фильтры: ?types=tier.transition,post.expired&post_id=<uuid>.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goartstore/reach-module/internal/api/errors"
	"github.com/bigkaa/goartstore/reach-module/internal/events"
)

// defaultHeartbeat — интервал комментария-пульса, удерживающего соединение.
const defaultHeartbeat = 15 * time.Second

var knownEventTypes = map[events.Type]bool{
	events.TypeTierTransition:  true,
	events.TypePostExpired:     true,
	events.TypeTrendingUpdated: true,
}

// StreamEvents — GET /api/v1/events.
func (h *APIHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	types := make(map[events.Type]bool)
	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			et := events.Type(strings.TrimSpace(t))
			if !knownEventTypes[et] {
				apierrors.ValidationError(w, fmt.Sprintf("Неизвестный тип события %q", et))
				return
			}
			types[et] = true
		}
	}
	postID := q.Get("post_id")
	if postID != "" {
		if _, err := uuid.Parse(postID); err != nil {
			apierrors.ValidationError(w, "Некорректный идентификатор публикации: "+postID)
			return
		}
	}

	rc := http.NewResponseController(w)

	ch, unsubscribe := h.events.Subscribe(events.DefaultBufferSize)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("SSE не поддерживается соединением", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if len(types) > 0 && !types[ev.Type] {
				continue
			}
			if postID != "" && ev.PostID != postID {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				h.logger.Debug("SSE-клиент отключился", slog.String("error", err.Error()))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writeSSE записывает событие в формате text/event-stream.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	ev.Origin = ""
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
