package escalation

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// pollInterval bounds how often LiveTail checks the store for new
// envelopes. MAF's stores have no LISTEN/NOTIFY equivalent across all
// three backends, so live-tail is poll-based rather than push-based at
// the store layer; the WebSocket layer is still push-based to the client.
const pollInterval = 2 * time.Second

// LiveTail upgrades an HTTP request to a WebSocket and streams envelopes
// arriving on channel to the client until the connection closes or ctx is
// canceled. It is a convenience for dashboards/CLIs that want push
// delivery instead of polling Fetch directly.
func (c *Channel) LiveTail(w http.ResponseWriter, r *http.Request, channel string) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx := r.Context()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var sinceID string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			envs, err := c.store.FetchEnvelopes(ctx, channel, sinceID, 0)
			if err != nil {
				slog.Warn("live-tail fetch failed", "channel", channel, "error", err)
				continue
			}
			for _, env := range envs {
				if err := wsjson.Write(ctx, conn, envelopeView{
					ID:        env.ID,
					Kind:      env.Kind,
					FromAgent: env.FromAgent,
					CreatedAt: env.CreatedAt,
					Payload:   json.RawMessage(env.Payload),
				}); err != nil {
					return err
				}
				sinceID = env.ID
			}
		}
	}
}

type envelopeView struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	FromAgent string          `json:"from_agent"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}
