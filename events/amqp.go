package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"stake-arena/models"
)

// MatchResult is the queue message for a completed match.
type MatchResult struct {
	MatchID      string    `json:"match_id"`
	TournamentID *string   `json:"tournament_id,omitempty"`
	WinnerID     string    `json:"winner_id"`
	PrizePool    int64     `json:"prize_pool,string"`
	CompletedAt  time.Time `json:"completed_at"`
}

// AMQPSink publishes completed match results to a durable queue for downstream consumers
// (leaderboards, accounting). Every other change is ignored.
type AMQPSink struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

func NewAMQPSink(url, queue string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	return &AMQPSink{conn: conn, ch: ch, queue: queue}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Send(_ context.Context, c Change) error {
	result, ok := ResultFromChange(c)
	if !ok {
		return nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishers
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.Publish("", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    result.MatchID,
		Timestamp:    result.CompletedAt,
		Body:         body,
	})
}

func (s *AMQPSink) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}

// ResultFromChange extracts a MatchResult from a change to a completed match.
func ResultFromChange(c Change) (MatchResult, bool) {
	if c.Table != TableMatches || c.Op != OpUpdate {
		return MatchResult{}, false
	}
	var m *models.Match
	switch row := c.Row.(type) {
	case models.Match:
		m = &row
	case *models.Match:
		m = row
	}
	if m == nil || m.Status != models.MatchCompleted || m.WinnerID == nil {
		return MatchResult{}, false
	}
	completed := c.At
	if m.CompletedAt != nil {
		completed = *m.CompletedAt
	}
	return MatchResult{
		MatchID:      m.ID,
		TournamentID: m.TournamentID,
		WinnerID:     *m.WinnerID,
		PrizePool:    m.TotalPrizePool,
		CompletedAt:  completed,
	}, true
}
