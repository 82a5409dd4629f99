package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentfleet/relay/bus"
	"github.com/agentfleet/relay/errors"
	"github.com/agentfleet/relay/identity"
	"github.com/agentfleet/relay/subject"
)

func newTestRef(t *testing.T, cluster identity.CapabilityCluster, name string) identity.AgentReference {
	t.Helper()
	n, err := identity.NewAgentName(name)
	if err != nil {
		t.Fatalf("NewAgentName(%q) error: %v", name, err)
	}
	ref, err := identity.NewAgentReference(cluster, n, identity.NewAgentID())
	if err != nil {
		t.Fatalf("NewAgentReference error: %v", err)
	}
	return ref
}

// inboundRecorder collects handler invocations.
type inboundRecorder struct {
	mu       sync.Mutex
	inbounds []Inbound
	response []byte
	err      error
}

func (rec *inboundRecorder) handler(ctx context.Context, in Inbound) ([]byte, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.inbounds = append(rec.inbounds, in)
	return rec.response, rec.err
}

func (rec *inboundRecorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.inbounds)
}

func (rec *inboundRecorder) waitFor(t *testing.T, n int) []Inbound {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		rec.mu.Lock()
		if len(rec.inbounds) >= n {
			out := make([]Inbound, len(rec.inbounds))
			copy(out, rec.inbounds)
			rec.mu.Unlock()
			return out
		}
		rec.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d handler invocations (got %d)", n, rec.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func startRuntime(t *testing.T, mb bus.MessageBus, ref identity.AgentReference, unified bool, rec *inboundRecorder) *Runtime {
	t.Helper()
	rt, err := New(Config{
		Ref:            ref,
		Bus:            mb,
		Handler:        rec.handler,
		UnifiedEnabled: unified,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(rt.Stop)
	return rt
}

// --- Unit Tests ---

func TestConfig_Validate(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()
	ref := newTestRef(t, identity.Orchestration, "sage")
	h := func(ctx context.Context, in Inbound) ([]byte, error) { return nil, nil }

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Ref: ref, Bus: mb, Handler: h}, false},
		{"missing ref", Config{Bus: mb, Handler: h}, true},
		{"missing bus", Config{Ref: ref, Handler: h}, true},
		{"missing handler", Config{Ref: ref, Bus: mb}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// --- Integration Tests ---

func TestRuntime_ReceivesOnAllPatterns(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	ref := newTestRef(t, identity.Orchestration, "sage")
	rec := &inboundRecorder{}
	startRuntime(t, mb, ref, false, rec)

	f := subject.DefaultFactory()
	sender := newTestRef(t, identity.DomainModeling, "ddd-expert")

	// Legacy point-to-point, no headers (pre-migration peer)
	legacy := f.LegacyMessage(ref.Name(), sender.Name(), subject.KindRequest)
	if err := mb.Publish(legacy.String(), []byte("legacy")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	// Broadcast
	topic, _ := subject.NewSegment("alerts")
	if err := mb.Publish(f.Broadcast(topic).String(), []byte("broadcast")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	// Reference-keyed command with headers
	h := bus.Header{}
	h.Set(bus.HeaderSender, sender.ToHeaderValue())
	cmd := f.AgentCommand(ref, subject.KindRequest)
	if err := mb.PublishMsg(&bus.Message{Subject: cmd.String(), Data: []byte("unified"), Header: h}); err != nil {
		t.Fatalf("PublishMsg error: %v", err)
	}

	inbounds := rec.waitFor(t, 3)

	got := map[Origin]Inbound{}
	for _, in := range inbounds {
		got[in.Origin] = in
	}

	if in, ok := got[OriginInbox]; !ok {
		t.Error("missing inbox delivery")
	} else {
		if in.SenderName.String() != "ddd-expert" {
			t.Errorf("inbox SenderName = %q, want %q", in.SenderName, "ddd-expert")
		}
		if in.Kind != subject.KindRequest {
			t.Errorf("inbox Kind = %q, want %q", in.Kind, subject.KindRequest)
		}
	}

	if in, ok := got[OriginBroadcast]; !ok {
		t.Error("missing broadcast delivery")
	} else if in.Topic != "alerts" {
		t.Errorf("broadcast Topic = %q, want %q", in.Topic, "alerts")
	}

	if in, ok := got[OriginAgentRef]; !ok {
		t.Error("missing reference-keyed delivery")
	} else if in.Sender.ToHeaderValue() != sender.ToHeaderValue() {
		t.Errorf("command Sender = %q, want %q", in.Sender.ToHeaderValue(), sender.ToHeaderValue())
	}
}

func TestRuntime_SendFlagOff_SingleAttempt(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	sender := newTestRef(t, identity.Orchestration, "sage")
	to := newTestRef(t, identity.Infrastructure, "nats-expert")
	rec := &inboundRecorder{}
	rt := startRuntime(t, mb, sender, false, rec)

	f := subject.DefaultFactory()
	legacySub, _ := mb.Subscribe(f.LegacyInbox(to.Name()).String())
	unifiedSub, _ := mb.Subscribe(f.CommandsByID(to.ID()).String())
	defer legacySub.Unsubscribe()
	defer unifiedSub.Unsubscribe()

	conv := identity.NewConversationID()
	if err := rt.Send(context.Background(), to, subject.KindRequest, conv, []byte("hello")); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case msg := <-legacySub.Messages():
		want := "agent.to.nats-expert.from.sage.request"
		if msg.Subject != want {
			t.Errorf("legacy subject = %q, want %q", msg.Subject, want)
		}
		if got := msg.Header.Get(bus.HeaderConversation); got != conv.String() {
			t.Errorf("Conversation-Id = %q, want %q", got, conv)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for legacy publish")
	}

	select {
	case <-unifiedSub.Messages():
		t.Error("flag off: nothing should arrive on the reference-keyed subject")
	case <-time.After(100 * time.Millisecond):
	}

	snap := rt.Collector().Snapshot()
	if snap.DualPublishSuccess != 1 {
		t.Errorf("DualPublishSuccess = %d, want 1", snap.DualPublishSuccess)
	}
	if snap.AgentRefCount != 0 {
		t.Errorf("AgentRefCount = %d, want 0 with flag off", snap.AgentRefCount)
	}
}

func TestRuntime_SendFlagOn_DualAttempt(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	sender := newTestRef(t, identity.Orchestration, "sage")
	to := newTestRef(t, identity.Infrastructure, "nats-expert")
	rec := &inboundRecorder{}
	rt := startRuntime(t, mb, sender, true, rec)

	f := subject.DefaultFactory()
	legacySub, _ := mb.Subscribe(f.LegacyInbox(to.Name()).String())
	unifiedSub, _ := mb.Subscribe(f.CommandsByID(to.ID()).String())
	defer legacySub.Unsubscribe()
	defer unifiedSub.Unsubscribe()

	conv := identity.NewConversationID()
	if err := rt.Send(context.Background(), to, subject.KindRequest, conv, []byte("hello")); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	var legacyMsg, unifiedMsg *bus.Message
	for i := 0; i < 2; i++ {
		select {
		case m := <-legacySub.Messages():
			legacyMsg = m
		case m := <-unifiedSub.Messages():
			unifiedMsg = m
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for dual publish")
		}
	}

	if legacyMsg == nil || unifiedMsg == nil {
		t.Fatal("expected one delivery on each grammar")
	}
	if string(legacyMsg.Data) != string(unifiedMsg.Data) {
		t.Error("payloads must be identical on both grammars")
	}
	if unifiedMsg.Header.Get(bus.HeaderSender) != sender.ToHeaderValue() {
		t.Errorf("Sender header = %q, want %q", unifiedMsg.Header.Get(bus.HeaderSender), sender.ToHeaderValue())
	}
	if !strings.HasPrefix(unifiedMsg.Subject, "agent.infrastructure.nats-expert.") {
		t.Errorf("unified subject = %q, want infrastructure.nats-expert prefix", unifiedMsg.Subject)
	}

	snap := rt.Collector().Snapshot()
	if snap.DualPublishSuccess != 1 {
		t.Errorf("DualPublishSuccess = %d, want 1", snap.DualPublishSuccess)
	}
	if snap.AgentRefCount != 1 {
		t.Errorf("AgentRefCount = %d, want 1 with flag on", snap.AgentRefCount)
	}
}

func TestRuntime_DedupAcrossPatterns(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	sender := newTestRef(t, identity.DomainModeling, "ddd-expert")
	receiver := newTestRef(t, identity.Orchestration, "sage")

	senderRec := &inboundRecorder{}
	receiverRec := &inboundRecorder{}
	senderRT := startRuntime(t, mb, sender, true, senderRec)
	receiverRT := startRuntime(t, mb, receiver, false, receiverRec)

	conv := identity.NewConversationID()
	if err := senderRT.Send(context.Background(), receiver, subject.KindRequest, conv, []byte("once")); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	// Both grammars deliver; the handler must run exactly once.
	inbounds := receiverRec.waitFor(t, 1)
	time.Sleep(200 * time.Millisecond)

	if got := receiverRec.count(); got != 1 {
		t.Fatalf("handler invocations = %d, want 1 (dual delivery must dedup)", got)
	}
	if inbounds[0].Conversation.String() != conv.String() {
		t.Errorf("Conversation = %q, want %q", inbounds[0].Conversation, conv)
	}

	snap := receiverRT.Collector().Snapshot()
	if snap.DedupHits != 1 {
		t.Errorf("DedupHits = %d, want 1", snap.DedupHits)
	}
	if snap.Deliveries() != 2 {
		t.Errorf("Deliveries() = %d, want 2 (one per pattern)", snap.Deliveries())
	}
}

func TestRuntime_HandlerErrorPublishesConversationError(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	ref := newTestRef(t, identity.Orchestration, "sage")
	rec := &inboundRecorder{err: errors.Internal("boom")}
	startRuntime(t, mb, ref, false, rec)

	f := subject.DefaultFactory()
	conv := identity.NewConversationID()

	errSub, _ := mb.Subscribe(f.ConversationError(conv).String())
	defer errSub.Unsubscribe()

	sender := newTestRef(t, identity.DomainModeling, "ddd-expert")
	h := bus.Header{}
	h.Set(bus.HeaderSender, sender.ToHeaderValue())
	h.Set(bus.HeaderConversation, conv.String())
	mb.PublishMsg(&bus.Message{
		Subject: f.AgentCommand(ref, subject.KindRequest).String(),
		Data:    []byte("trigger"),
		Header:  h,
	})

	select {
	case msg := <-errSub.Messages():
		var payload map[string]interface{}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			t.Fatalf("error payload not JSON: %v", err)
		}
		if got := msg.Header.Get(bus.HeaderKind); got != "error" {
			t.Errorf("Message-Kind = %q, want %q", got, "error")
		}
		if got := msg.Header.Get(bus.HeaderRecipient); got != sender.ToHeaderValue() {
			t.Errorf("Recipient = %q, want original sender %q", got, sender.ToHeaderValue())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conversation error")
	}
}

func TestRuntime_ResponseOnConversationSubject(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	ref := newTestRef(t, identity.Orchestration, "sage")
	rec := &inboundRecorder{response: []byte("answer")}
	startRuntime(t, mb, ref, false, rec)

	f := subject.DefaultFactory()
	conv := identity.NewConversationID()

	respSub, _ := mb.Subscribe(f.ConversationResponse(conv).String())
	defer respSub.Unsubscribe()

	sender := newTestRef(t, identity.DomainModeling, "ddd-expert")
	h := bus.Header{}
	h.Set(bus.HeaderSender, sender.ToHeaderValue())
	h.Set(bus.HeaderConversation, conv.String())
	mb.PublishMsg(&bus.Message{
		Subject: f.AgentCommand(ref, subject.KindRequest).String(),
		Data:    []byte("question"),
		Header:  h,
	})

	select {
	case msg := <-respSub.Messages():
		if string(msg.Data) != "answer" {
			t.Errorf("response = %q, want %q", msg.Data, "answer")
		}
		if got := msg.Header.Get(bus.HeaderSender); got != ref.ToHeaderValue() {
			t.Errorf("Sender = %q, want responder %q", got, ref.ToHeaderValue())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conversation response")
	}
}

func TestRuntime_MalformedInboundNotFatal(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	ref := newTestRef(t, identity.Orchestration, "sage")
	rec := &inboundRecorder{}
	rt := startRuntime(t, mb, ref, false, rec)

	// Matches the inbox pattern but is not a legacy message subject
	mb.Publish("agent.to.sage.garbage", []byte("junk"))

	// Runtime keeps serving valid traffic afterwards
	f := subject.DefaultFactory()
	sender := newTestRef(t, identity.DomainModeling, "ddd-expert")
	mb.Publish(f.LegacyMessage(ref.Name(), sender.Name(), subject.KindRequest).String(), []byte("valid"))

	inbounds := rec.waitFor(t, 1)
	if string(inbounds[0].Payload) != "valid" {
		t.Errorf("payload = %q, want %q", inbounds[0].Payload, "valid")
	}

	snap := rt.Collector().Snapshot()
	if snap.ErrorsByCategory["parse"] != 1 {
		t.Errorf("parse errors = %d, want 1", snap.ErrorsByCategory["parse"])
	}
}

func TestRuntime_StartTwice(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	ref := newTestRef(t, identity.Orchestration, "sage")
	rec := &inboundRecorder{}
	rt := startRuntime(t, mb, ref, false, rec)

	if err := rt.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestRuntime_StopIdempotent(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	ref := newTestRef(t, identity.Orchestration, "sage")
	rt, err := New(Config{Ref: ref, Bus: mb, Handler: (&inboundRecorder{}).handler})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	rt.Stop()
	rt.Stop() // should not panic
}
