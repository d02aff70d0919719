package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"callrelay/internal/calls"
	"callrelay/internal/telephony"
	"callrelay/pkg/utils"

	"github.com/alicebob/miniredis/v2"
)

type fakeCarrier struct {
	mu       sync.Mutex
	requests []telephony.PlaceCallRequest
	callID   string
	err      error

	// onPlace runs inside PlaceCall, before the call id is returned.
	onPlace func(callID string)
}

func (f *fakeCarrier) Name() string                      { return "fake" }
func (f *fakeCarrier) HealthCheck(context.Context) error { return nil }

func (f *fakeCarrier) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (telephony.PlacedCall, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	callID, err, onPlace := f.callID, f.err, f.onPlace
	f.mu.Unlock()
	if err != nil {
		return telephony.PlacedCall{}, err
	}
	if onPlace != nil {
		onPlace(callID)
	}
	return telephony.PlacedCall{CallID: callID, Status: "queued"}, nil
}

func (f *fakeCarrier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func testConfig() Config {
	return Config{
		From:              "+15550000000",
		RelayURL:          "wss://relay.example.com/relay",
		StatusCallbackURL: "https://relay.example.com/webhooks/twilio/status",
		Language:          "en-US",
	}
}

func TestStartCall_RegistersSessionWithInitialText(t *testing.T) {
	carrier := &fakeCarrier{callID: "CA123"}
	reg := calls.NewRegistry()
	d := New(testConfig(), carrier, reg, nil)

	id, err := d.StartCall(context.Background(), "+15551234567", "hello")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id != "CA123" {
		t.Fatalf("expected CA123, got %q", id)
	}
	if carrier.count() != 1 {
		t.Fatalf("expected one carrier request, got %d", carrier.count())
	}

	req := carrier.requests[0]
	if req.To != "+15551234567" || req.From != "+15550000000" {
		t.Fatalf("unexpected request %+v", req)
	}
	if !strings.Contains(req.ControlDocument, "ConversationRelay") || strings.Contains(req.ControlDocument, "<Say") {
		t.Fatalf("unexpected control document: %s", req.ControlDocument)
	}

	seq, err := calls.NewSubmitter(reg, 0).Push(context.Background(), "CA123", "how are you")
	if err != nil || seq != 1 {
		t.Fatalf("expected sequence 1, got %d %v", seq, err)
	}

	cs, err := calls.NewBridge(reg).Attach("CA123")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer cs.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []string{"hello", "how are you"} {
		c, err := cs.Next(ctx)
		if err != nil || c.Text != want {
			t.Fatalf("expected %q, got %+v %v", want, c, err)
		}
	}
}

func TestStartCall_SayModeSpeaksInline(t *testing.T) {
	carrier := &fakeCarrier{callID: "CA1"}
	reg := calls.NewRegistry()
	cfg := testConfig()
	cfg.InitialTextMode = InitialTextSay
	d := New(cfg, carrier, reg, nil)

	if _, err := d.StartCall(context.Background(), "+15551234567", "hello"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(carrier.requests[0].ControlDocument, "<Say") {
		t.Fatalf("expected Say in control document")
	}
	sess, _ := reg.Get("CA1")
	if sess.Info().QueueDepth != 0 {
		t.Fatalf("say mode must not queue initial text")
	}
}

func TestStartCall_InvalidDestinationSkipsCarrier(t *testing.T) {
	carrier := &fakeCarrier{callID: "CA1"}
	d := New(testConfig(), carrier, calls.NewRegistry(), nil)

	for _, to := range []string{"5551234567", "", "+", "+1555abc4567", "+0123456789", "+1234567890123456"} {
		if _, err := d.StartCall(context.Background(), to, "hi"); !errors.Is(err, ErrInvalidDestination) {
			t.Fatalf("expected ErrInvalidDestination for %q, got %v", to, err)
		}
	}
	if carrier.count() != 0 {
		t.Fatalf("expected no carrier request, got %d", carrier.count())
	}
}

func TestStartCall_CarrierRejectedLeavesNoSession(t *testing.T) {
	apiErr := &telephony.TwilioError{Code: 21211, Message: "Invalid 'To' Phone Number", Status: 400}
	carrier := &fakeCarrier{err: apiErr}
	reg := calls.NewRegistry()
	d := New(testConfig(), carrier, reg, nil)

	_, err := d.StartCall(context.Background(), "+15551234567", "hi")
	if !errors.Is(err, ErrCarrierRejected) {
		t.Fatalf("expected ErrCarrierRejected, got %v", err)
	}
	var te *telephony.TwilioError
	if !errors.As(err, &te) || te.Code != 21211 {
		t.Fatalf("expected carrier error preserved, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected no session registered")
	}
	if carrier.count() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", carrier.count())
	}
}

func TestStartCall_DuplicateCallID(t *testing.T) {
	carrier := &fakeCarrier{callID: "CA1"}
	reg := calls.NewRegistry()
	d := New(testConfig(), carrier, reg, nil)

	if _, err := d.StartCall(context.Background(), "+15551234567", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := d.StartCall(context.Background(), "+15551234567", ""); !errors.Is(err, calls.ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}

func TestStartCall_ActiveCallCap(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := utils.OpenRedis(context.Background(), utils.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer rdb.Close()
	limiter, _ := utils.NewSlotLimiter(rdb, "callrelay:active_calls", 1, time.Hour)

	reg := calls.NewRegistry()
	monitor := calls.NewMonitor(reg, 0)
	carrier := &fakeCarrier{callID: "CA1"}
	d := New(testConfig(), carrier, reg, monitor, WithLimiter(limiter))
	ctx := context.Background()

	if _, err := d.StartCall(ctx, "+15551234567", ""); err != nil {
		t.Fatalf("first call: %v", err)
	}
	carrier.callID = "CA2"
	if _, err := d.StartCall(ctx, "+15551234567", ""); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if carrier.count() != 1 {
		t.Fatalf("capped call must not reach the carrier")
	}

	monitor.Apply(ctx, "CA1", calls.StateCompleted)
	if _, err := d.StartCall(ctx, "+15551234567", ""); err != nil {
		t.Fatalf("expected slot released after completion, got %v", err)
	}
}

func TestStartCall_CarrierFailureReleasesSlot(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, _ := utils.OpenRedis(context.Background(), utils.RedisConfig{Addr: mr.Addr()})
	defer rdb.Close()
	limiter, _ := utils.NewSlotLimiter(rdb, "k", 1, time.Hour)

	reg := calls.NewRegistry()
	carrier := &fakeCarrier{err: errors.New("boom")}
	d := New(testConfig(), carrier, reg, calls.NewMonitor(reg, 0), WithLimiter(limiter))

	d.StartCall(context.Background(), "+15551234567", "")
	if n, _ := limiter.InUse(context.Background()); n != 0 {
		t.Fatalf("expected slot released, %d in use", n)
	}
}

func TestStartCall_TerminalStatusBeforeRegistration(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, _ := utils.OpenRedis(context.Background(), utils.RedisConfig{Addr: mr.Addr()})
	defer rdb.Close()
	limiter, _ := utils.NewSlotLimiter(rdb, "k", 1, time.Hour)

	reg := calls.NewRegistry()
	monitor := calls.NewMonitor(reg, time.Minute)
	monitor.AfterFunc = func(time.Duration, func()) *time.Timer { return nil }
	ctx := context.Background()

	carrier := &fakeCarrier{callID: "CA9"}
	carrier.onPlace = func(callID string) {
		// The carrier reports the failure before StartCall has registered the call.
		if monitor.Apply(ctx, callID, calls.StateFailed) {
			t.Errorf("status for an unregistered call must not apply yet")
		}
	}
	d := New(testConfig(), carrier, reg, monitor, WithLimiter(limiter))

	id, err := d.StartCall(ctx, "+15551234567", "hello")
	if err != nil || id != "CA9" {
		t.Fatalf("start: %q %v", id, err)
	}
	sess, err := reg.Get("CA9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.State() != calls.StateFailed {
		t.Fatalf("expected failed, got %s", sess.State())
	}
	if n, _ := limiter.InUse(ctx); n != 0 {
		t.Fatalf("expected slot released, %d in use", n)
	}
	if _, err := calls.NewSubmitter(reg, 0).Push(ctx, "CA9", "too late"); !errors.Is(err, calls.ErrNoSuchSession) {
		t.Fatalf("expected ErrNoSuchSession for ended call, got %v", err)
	}
}

func TestStartCall_EarlyRingingStatusApplied(t *testing.T) {
	reg := calls.NewRegistry()
	monitor := calls.NewMonitor(reg, time.Minute)
	ctx := context.Background()

	carrier := &fakeCarrier{callID: "CA10"}
	carrier.onPlace = func(callID string) { monitor.Apply(ctx, callID, calls.StateRinging) }
	d := New(testConfig(), carrier, reg, monitor)

	if _, err := d.StartCall(ctx, "+15551234567", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess, _ := reg.Get("CA10")
	if sess.State() != calls.StateRinging {
		t.Fatalf("expected ringing, got %s", sess.State())
	}
}

func TestValidateDestination(t *testing.T) {
	for _, ok := range []string{"+15551234567", "+447911123456", "+33123456789"} {
		if err := ValidateDestination(ok); err != nil {
			t.Fatalf("expected %q valid, got %v", ok, err)
		}
	}
}
