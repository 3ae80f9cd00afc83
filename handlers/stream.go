package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"stake-arena/events"
)

const keepAlive = 15 * time.Second

type StreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

func SetupStreamRoutes(app fiber.Router, bus *events.Bus, log zerolog.Logger) {
	h := &StreamHandler{bus: bus, log: log.With().Str("component", "stream").Logger()}
	app.Get("/stream", h.stream)
}

// stream pushes committed row changes as server-sent events. ?table= and ?id= narrow
// the feed to one table or one row.
func (h *StreamHandler) stream(c *fiber.Ctx) error {
	filter := events.Filter{Table: c.Query("table"), ID: c.Query("id")}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	changes, cancel := h.bus.Subscribe(filter)
	done := c.Context().Done()
	log := h.log.With().Str("table", filter.Table).Str("id", filter.ID).Logger()
	log.Debug().Msg("subscriber connected")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case ch, ok := <-changes:
				if !ok {
					return
				}
				if err := writeEvent(w, ch); err != nil {
					log.Warn().Err(err).Msg("dropping change")
					continue
				}
			case <-ticker.C:
				w.WriteString(": ping\n\n")
			case <-done:
				return
			}
			if err := w.Flush(); err != nil {
				log.Debug().Msg("subscriber disconnected")
				return
			}
		}
	})
	return nil
}

func writeEvent(w io.Writer, ch events.Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ch.Table, payload)
	return err
}
