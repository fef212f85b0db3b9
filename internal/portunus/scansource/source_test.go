package scansource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

type stubSession struct {
	ctx    context.Context
	marked int
}

func (s *stubSession) Context() context.Context                         { return s.ctx }
func (s *stubSession) Claims() map[string][]int32                       { return map[string][]int32{} }
func (s *stubSession) MemberID() string                                 { return "" }
func (s *stubSession) GenerationID() int32                              { return 0 }
func (s *stubSession) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *stubSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *stubSession) MarkMessage(_ *sarama.ConsumerMessage, _ string)  { s.marked++ }
func (s *stubSession) Commit()                                          {}

type stubClaim struct {
	msgCh chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "gate.scans" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgCh }

// ── ChannelSource ────────────────────────────────────────────────────────────

func TestChannelSource_PushAndClose(t *testing.T) {
	s := NewChannelSource(2)
	if err := s.Push(context.Background(), types.RawScan{CardID: "A", Mode: types.ModeVerify}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, ok := <-s.Scans()
	if !ok || got.CardID != "A" {
		t.Errorf("expected queued scan after close, got %+v ok=%v", got, ok)
	}
	if _, ok := <-s.Scans(); ok {
		t.Error("expected closed channel")
	}
	if err := s.Push(context.Background(), types.RawScan{CardID: "B"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestChannelSource_RejectsEmptyCard(t *testing.T) {
	s := NewChannelSource(1)
	if err := s.Push(context.Background(), types.RawScan{CardID: "  "}); err == nil {
		t.Error("expected an error for an empty card id")
	}
}

func TestChannelSource_FullBufferRespectsContext(t *testing.T) {
	s := NewChannelSource(1)
	_ = s.Push(context.Background(), types.RawScan{CardID: "A"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Push(ctx, types.RawScan{CardID: "B"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

// ── Kafka handler ────────────────────────────────────────────────────────────

func TestScanHandler_ForwardsAndSkipsBadMessages(t *testing.T) {
	out := NewChannelSource(4)
	h := &scanHandler{out: out, logger: zaptest.NewLogger(t)}
	ts := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	msgCh := make(chan *sarama.ConsumerMessage, 3)
	msgCh <- &sarama.ConsumerMessage{Topic: "gate.scans", Offset: 1, Key: []byte("reader-7"), Timestamp: ts,
		Value: []byte(`{"card_id":"abc123","mode":"provision"}`)}
	msgCh <- &sarama.ConsumerMessage{Topic: "gate.scans", Offset: 2, Value: []byte("not json")}
	msgCh <- &sarama.ConsumerMessage{Topic: "gate.scans", Offset: 3,
		Value: []byte(`{"card_id":"x9","result":"valid","operator":{"username":"dana"}}`)}
	close(msgCh)

	session := &stubSession{ctx: context.Background()}
	if err := h.ConsumeClaim(session, &stubClaim{msgCh: msgCh}); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if session.marked != 3 {
		t.Errorf("expected all 3 messages marked, got %d", session.marked)
	}

	first := <-out.Scans()
	if first.CardID != "abc123" || first.Mode != types.ModeProvision || first.ReaderID != "reader-7" || !first.ScannedAt.Equal(ts) {
		t.Errorf("unexpected first scan %+v", first)
	}
	second := <-out.Scans()
	if second.Mode != types.ModeVerify || second.Result != types.ScanValid || second.Operator.Username != "dana" {
		t.Errorf("unexpected second scan %+v", second)
	}
}

func TestScanHandler_StopsWhenOutputClosed(t *testing.T) {
	out := NewChannelSource(1)
	_ = out.Close()
	h := &scanHandler{out: out, logger: zaptest.NewLogger(t)}

	msgCh := make(chan *sarama.ConsumerMessage, 1)
	msgCh <- &sarama.ConsumerMessage{Value: []byte(`{"card_id":"A"}`)}
	close(msgCh)

	session := &stubSession{ctx: context.Background()}
	if err := h.ConsumeClaim(session, &stubClaim{msgCh: msgCh}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if session.marked != 0 {
		t.Error("undelivered scan was marked")
	}
}

func TestNewKafkaSource_Validation(t *testing.T) {
	if _, err := NewKafkaSource(nil, "g", []string{"t"}, nil); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaSource([]string{"localhost:9092"}, "", []string{"t"}, nil); err == nil {
		t.Error("expected error without group")
	}
	if _, err := NewKafkaSource([]string{"localhost:9092"}, "g", nil, nil); err == nil {
		t.Error("expected error without topics")
	}
}
