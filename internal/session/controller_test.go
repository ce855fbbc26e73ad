package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/vibecanvas/internal/observe"
	chmock "github.com/MrWong99/vibecanvas/pkg/channel/mock"
	convaimock "github.com/MrWong99/vibecanvas/pkg/provider/convai/mock"
	"github.com/MrWong99/vibecanvas/pkg/types"
)

const doc = "<!DOCTYPE html><html></html>"

type fixture struct {
	ctrl     *Controller
	sub      *chmock.Subscriber
	launcher *convaimock.Launcher
	reader   *sdkmetric.ManualReader
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var seq atomic.Int64
	f := &fixture{
		sub:      &chmock.Subscriber{},
		launcher: &convaimock.Launcher{},
		reader:   reader,
	}
	base := []Option{
		WithLauncher(f.launcher),
		WithMetrics(m),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
	}
	f.ctrl = New(f.sub, append(base, opts...)...)
	t.Cleanup(func() { _ = f.ctrl.Close(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T, channel string) Snapshot {
	t.Helper()
	snap, err := f.ctrl.StartSession(context.Background(), channel)
	if err != nil {
		t.Fatalf("StartSession(%q): %v", channel, err)
	}
	return snap
}

func (f *fixture) send(t *testing.T, role types.Role, text string, final bool) {
	t.Helper()
	if !f.sub.Last().Send(types.TranscriptionEvent{Role: role, Text: text, IsFinal: final}) {
		t.Fatal("send on closed subscription")
	}
}

// waitFor polls the snapshot until cond holds.
func (f *fixture) waitFor(t *testing.T, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := f.ctrl.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot: %+v", desc, s)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// barrier sends a final user event with a unique text and waits until it is
// in the transcript. Events are applied in order, so everything sent before
// has been applied once barrier returns.
func (f *fixture) barrier(t *testing.T, text string) Snapshot {
	t.Helper()
	f.send(t, types.RoleUser, text, true)
	return f.waitFor(t, "barrier "+text, func(s Snapshot) bool {
		return len(s.Transcript) > 0 && s.Transcript[len(s.Transcript)-1].Text == text
	})
}

func (f *fixture) dropped(t *testing.T, reason string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "vibecanvas.session.events_dropped" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("reason")); ok && v.AsString() == reason {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestController_InterimThenFinal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")

	f.send(t, types.RoleAgent, "...【<!DOCTYPE", false)
	s := f.waitFor(t, "generating", func(s Snapshot) bool { return s.IsGenerating })
	if len(s.Transcript) != 0 || len(s.Artifacts) != 0 {
		t.Fatalf("interim event wrote state: %+v", s)
	}

	f.send(t, types.RoleAgent, "...【"+doc+"】done", true)
	s = f.waitFor(t, "final applied", func(s Snapshot) bool { return len(s.Artifacts) == 1 })
	if s.IsGenerating {
		t.Error("still generating after final event")
	}
	if f.ctrl.State() != Idle {
		t.Errorf("State() = %v, want idle", f.ctrl.State())
	}
	if s.Artifacts[0].Content != doc {
		t.Errorf("artifact = %q, want %q", s.Artifacts[0].Content, doc)
	}
	if s.SelectedArtifactID != s.Artifacts[0].ID {
		t.Errorf("selected = %q, want %q", s.SelectedArtifactID, s.Artifacts[0].ID)
	}
	if len(s.Transcript) != 1 {
		t.Fatalf("transcript = %+v, want 1 entry", s.Transcript)
	}
	if e := s.Transcript[0]; e.Text != "...done" || e.Role != types.RoleAgent {
		t.Errorf("entry = %+v, want agent %q", e, "...done")
	}
}

func TestController_InterimNeverWrites(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")

	f.send(t, types.RoleUser, "make me a", false)
	f.send(t, types.RoleAgent, "Sure 【"+doc+"】", false)
	s := f.barrier(t, "make me a button")

	if len(s.Transcript) != 1 {
		t.Errorf("transcript = %+v, want only the final user entry", s.Transcript)
	}
	if len(s.Artifacts) != 0 {
		t.Errorf("artifacts = %+v, want none", s.Artifacts)
	}
}

func TestController_MultipleCodesSelectLast(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")

	f.send(t, types.RoleAgent, "【<html>1</html>】 and 【<html>2</html>】", true)
	s := f.waitFor(t, "two artifacts", func(s Snapshot) bool { return len(s.Artifacts) == 2 })

	if got := []string{s.Artifacts[0].Content, s.Artifacts[1].Content}; !slices.Equal(got, []string{"<html>1</html>", "<html>2</html>"}) {
		t.Errorf("artifacts = %q", got)
	}
	if s.SelectedArtifactID != s.Artifacts[1].ID {
		t.Errorf("selected = %q, want last artifact %q", s.SelectedArtifactID, s.Artifacts[1].ID)
	}
	if len(s.Transcript) != 1 || s.Transcript[0].Text != "and" {
		t.Errorf("transcript = %+v", s.Transcript)
	}
}

func TestController_CodeOnlyFinalHasNoTranscriptEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")

	f.send(t, types.RoleAgent, "【"+doc+"】", true)
	s := f.barrier(t, "thanks")
	if len(s.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(s.Artifacts))
	}
	if len(s.Transcript) != 1 || s.Transcript[0].Role != types.RoleUser {
		t.Errorf("transcript = %+v, want only the user entry", s.Transcript)
	}
}

func TestController_EventsAppliedInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")

	var want []string
	for i := range 12 {
		text := fmt.Sprintf("turn %d", i)
		want = append(want, text)
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAgent
		}
		f.send(t, role, text, true)
	}
	s := f.waitFor(t, "all entries", func(s Snapshot) bool { return len(s.Transcript) == len(want) })

	var got []string
	for _, e := range s.Transcript {
		got = append(got, e.Text)
	}
	if !slices.Equal(got, want) {
		t.Errorf("transcript order = %q, want %q", got, want)
	}
}

func TestController_EndSessionPreservesArtifacts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")

	f.send(t, types.RoleAgent, "v1 【<html>1</html>】", true)
	f.send(t, types.RoleAgent, "v2 【<html>2</html>】", true)
	before := f.waitFor(t, "two artifacts", func(s Snapshot) bool { return len(s.Artifacts) == 2 })

	if err := f.ctrl.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	s := f.ctrl.Snapshot()
	if len(s.Transcript) != 0 {
		t.Errorf("transcript = %+v, want empty", s.Transcript)
	}
	if len(s.Artifacts) != 2 {
		t.Errorf("artifacts = %d, want 2", len(s.Artifacts))
	}
	if s.SelectedArtifactID != before.SelectedArtifactID {
		t.Errorf("selected = %q, want %q", s.SelectedArtifactID, before.SelectedArtifactID)
	}
	if s.Active || s.IsGenerating || s.SessionID != "" {
		t.Errorf("snapshot after end = %+v", s)
	}
	if !f.sub.Last().Closed() {
		t.Error("subscription not closed")
	}
	if got := f.launcher.LeaveCalls(); !slices.Equal(got, []string{"agent-1"}) {
		t.Errorf("leave calls = %v, want [agent-1]", got)
	}

	a, err := f.ctrl.ExportSelected()
	if err != nil {
		t.Fatalf("ExportSelected after end: %v", err)
	}
	if a.Content != "<html>2</html>" {
		t.Errorf("exported = %q", a.Content)
	}
}

func TestController_StartSessionClearsEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room-1")

	f.send(t, types.RoleAgent, "【<html>1</html>】", true)
	f.send(t, types.RoleAgent, "working 【<!DOCTYPE", false)
	f.waitFor(t, "artifact and generating", func(s Snapshot) bool { return len(s.Artifacts) == 1 && s.IsGenerating })
	if err := f.ctrl.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	s := f.start(t, "room-2")
	if len(s.Transcript) != 0 || len(s.Artifacts) != 0 || s.SelectedArtifactID != "" || s.IsGenerating {
		t.Errorf("state not cleared: %+v", s)
	}
	if !s.Active || s.ChannelID != "room-2" || s.AgentID != "agent-2" {
		t.Errorf("session info = %+v", s)
	}
	if got := f.launcher.StartCalls(); !slices.Equal(got, []string{"room-1", "room-2"}) {
		t.Errorf("start calls = %v", got)
	}
}

func TestController_StartReplacesActiveSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room-1")
	first := f.sub.Last()

	f.send(t, types.RoleAgent, "【<html>1</html>】", true)
	f.waitFor(t, "artifact", func(s Snapshot) bool { return len(s.Artifacts) == 1 })

	s := f.start(t, "room-2")
	if !first.Closed() {
		t.Error("old subscription still open")
	}
	if got := f.launcher.LeaveCalls(); !slices.Equal(got, []string{"agent-1"}) {
		t.Errorf("leave calls = %v", got)
	}
	if len(s.Artifacts) != 0 {
		t.Errorf("artifacts carried over: %+v", s.Artifacts)
	}
	if f.sub.Calls() != 2 {
		t.Errorf("subscribe calls = %d, want 2", f.sub.Calls())
	}
}

func TestController_StaleEventsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room-1")
	f.ctrl.mu.Lock()
	oldToken := f.ctrl.token
	f.ctrl.mu.Unlock()

	f.start(t, "room-2")
	f.ctrl.apply(context.Background(), oldToken, types.TranscriptionEvent{
		Role: types.RoleAgent, Text: "late 【" + doc + "】", IsFinal: true,
	})
	f.ctrl.apply(context.Background(), oldToken, types.TranscriptionEvent{
		Role: types.RoleAgent, Text: "【<!DOCTYPE", IsFinal: false,
	})

	s := f.ctrl.Snapshot()
	if len(s.Transcript) != 0 || len(s.Artifacts) != 0 || s.IsGenerating {
		t.Errorf("stale event mutated state: %+v", s)
	}
	if got := f.dropped(t, observe.DropStale); got != 2 {
		t.Errorf("stale drops = %d, want 2", got)
	}
}

func TestController_EventsAfterEndDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")
	f.ctrl.mu.Lock()
	token := f.ctrl.token
	f.ctrl.mu.Unlock()

	if err := f.ctrl.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	f.ctrl.apply(context.Background(), token, types.TranscriptionEvent{Role: types.RoleUser, Text: "late", IsFinal: true})
	if s := f.ctrl.Snapshot(); len(s.Transcript) != 0 {
		t.Errorf("transcript = %+v, want empty", s.Transcript)
	}
}

func TestController_UnknownRoleDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")

	f.send(t, types.Role("system"), "【"+doc+"】 hi", true)
	s := f.barrier(t, "after")
	if len(s.Transcript) != 1 || len(s.Artifacts) != 0 {
		t.Errorf("unknown role event applied: %+v", s)
	}
	if got := f.dropped(t, observe.DropInvalid); got != 1 {
		t.Errorf("invalid drops = %d, want 1", got)
	}
}

func TestController_GreetingGuard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    []Option
		text    string
		wantGen bool
	}{
		{
			name: "scripted greeting with stray marker",
			text: "Hello! I'm your AI Coding Assistant 【",
		},
		{
			name: "greeting phrases are case-insensitive",
			text: "HELLO there, CODING ASSISTANT here 【",
		},
		{
			name:    "only one phrase present",
			text:    "Hello, building it now 【<!DOCTYPE",
			wantGen: true,
		},
		{
			name: "interim without open marker",
			text: "Let me think about that",
		},
		{
			name:    "guard disabled",
			opts:    []Option{WithGreetingPhrases()},
			text:    "Hello! I'm your AI coding assistant 【",
			wantGen: true,
		},
		{
			name: "custom phrases",
			opts: []Option{WithGreetingPhrases("Welcome", " builder ")},
			text: "Welcome, builder 【",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.opts...)
			f.start(t, "room")

			f.send(t, types.RoleAgent, tt.text, false)
			s := f.barrier(t, "barrier")
			if s.IsGenerating != tt.wantGen {
				t.Errorf("IsGenerating = %v, want %v", s.IsGenerating, tt.wantGen)
			}
		})
	}
}

func TestController_UserInterimDoesNotGenerate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")

	f.send(t, types.RoleUser, "what does 【 mean", false)
	if s := f.barrier(t, "ok"); s.IsGenerating {
		t.Error("user interim event started generation")
	}
}

func TestController_GeneratingTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithGeneratingTimeout(30*time.Millisecond))
	f.start(t, "room")

	f.send(t, types.RoleAgent, "【<!DOCTYPE", false)
	f.waitFor(t, "generating", func(s Snapshot) bool { return s.IsGenerating })
	s := f.waitFor(t, "timeout back to idle", func(s Snapshot) bool { return !s.IsGenerating })
	if len(s.Transcript) != 0 || len(s.Artifacts) != 0 {
		t.Errorf("timeout wrote state: %+v", s)
	}
}

func TestController_GeneratingTimeoutDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithGeneratingTimeout(0))
	f.start(t, "room")

	f.send(t, types.RoleAgent, "【<!DOCTYPE", false)
	f.waitFor(t, "generating", func(s Snapshot) bool { return s.IsGenerating })
	time.Sleep(50 * time.Millisecond)
	if !f.ctrl.Snapshot().IsGenerating {
		t.Error("left generating state without a final event")
	}
	f.ctrl.mu.Lock()
	armed := f.ctrl.timer != nil
	f.ctrl.mu.Unlock()
	if armed {
		t.Error("timer armed with timeout disabled")
	}
}

func TestController_FinalCancelsTimer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithGeneratingTimeout(time.Hour))
	f.start(t, "room")

	f.send(t, types.RoleAgent, "【<!DOCTYPE", false)
	f.waitFor(t, "generating", func(s Snapshot) bool { return s.IsGenerating })
	f.ctrl.mu.Lock()
	staleGen := f.ctrl.timerGen
	f.ctrl.mu.Unlock()

	f.send(t, types.RoleAgent, "done", true)
	f.waitFor(t, "idle", func(s Snapshot) bool { return !s.IsGenerating })

	f.ctrl.mu.Lock()
	armed := f.ctrl.timer != nil
	f.ctrl.mu.Unlock()
	if armed {
		t.Error("timer still armed after final event")
	}

	// A callback from the cancelled timer must not touch a later period.
	f.send(t, types.RoleAgent, "【<!DOCTYPE", false)
	f.waitFor(t, "generating again", func(s Snapshot) bool { return s.IsGenerating })
	f.ctrl.mu.Lock()
	token := f.ctrl.token
	f.ctrl.mu.Unlock()
	f.ctrl.expire(token, staleGen)
	if !f.ctrl.Snapshot().IsGenerating {
		t.Error("stale timer callback ended generation")
	}
}

func TestController_SetGeneratingTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithGeneratingTimeout(time.Hour))
	f.start(t, "room")
	f.ctrl.SetGeneratingTimeout(20 * time.Millisecond)

	f.send(t, types.RoleAgent, "【<!DOCTYPE", false)
	f.waitFor(t, "generating", func(s Snapshot) bool { return s.IsGenerating })
	f.waitFor(t, "timeout", func(s Snapshot) bool { return !s.IsGenerating })
}

func TestController_SetGreetingPhrases(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")
	f.ctrl.SetGreetingPhrases([]string{"howdy"})

	f.send(t, types.RoleAgent, "Howdy 【", false)
	if s := f.barrier(t, "one"); s.IsGenerating {
		t.Error("new greeting phrase not honoured")
	}
	f.send(t, types.RoleAgent, "Hello, your coding assistant 【", false)
	if s := f.barrier(t, "two"); !s.IsGenerating {
		t.Error("old greeting phrases still active")
	}
}

func TestController_SelectAndExport(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.ctrl.ExportSelected(); !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("ExportSelected on empty = %v, want ErrNoArtifact", err)
	}

	f.start(t, "room")
	f.send(t, types.RoleAgent, "【<html>1</html>】【<html>2</html>】", true)
	s := f.waitFor(t, "artifacts", func(s Snapshot) bool { return len(s.Artifacts) == 2 })

	if err := f.ctrl.SelectArtifact(s.Artifacts[0].ID); err != nil {
		t.Fatalf("SelectArtifact: %v", err)
	}
	a, err := f.ctrl.ExportSelected()
	if err != nil {
		t.Fatalf("ExportSelected: %v", err)
	}
	if a.Content != "<html>1</html>" {
		t.Errorf("exported = %q", a.Content)
	}
	if err := f.ctrl.SelectArtifact("nope"); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("SelectArtifact(unknown) = %v, want ErrArtifactNotFound", err)
	}
	if got := f.ctrl.Snapshot().SelectedArtifactID; got != s.Artifacts[0].ID {
		t.Errorf("selection changed by failed select: %q", got)
	}

	// A later document takes over the selection.
	f.send(t, types.RoleAgent, "【<html>3</html>】", true)
	s = f.waitFor(t, "third artifact", func(s Snapshot) bool { return len(s.Artifacts) == 3 })
	if s.SelectedArtifactID != s.Artifacts[2].ID {
		t.Errorf("selected = %q, want newest", s.SelectedArtifactID)
	}
}

func TestController_SnapshotIsACopy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")
	f.send(t, types.RoleAgent, "hi 【"+doc+"】", true)
	s := f.waitFor(t, "entry", func(s Snapshot) bool { return len(s.Artifacts) == 1 })

	s.Transcript[0].Text = "mutated"
	s.Artifacts[0].Content = "mutated"
	again := f.ctrl.Snapshot()
	if again.Transcript[0].Text == "mutated" || again.Artifacts[0].Content == "mutated" {
		t.Error("snapshot shares backing arrays with controller state")
	}
}

func TestController_SnapshotNeverNil(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.ctrl.Snapshot()
	if s.Transcript == nil || s.Artifacts == nil {
		t.Errorf("nil slices in idle snapshot: %+v", s)
	}
	if s.Active {
		t.Error("idle controller reports active")
	}
}

func TestController_StartErrors(t *testing.T) {
	t.Parallel()

	t.Run("empty channel", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		if _, err := f.ctrl.StartSession(context.Background(), ""); !errors.Is(err, ErrEmptyChannel) {
			t.Errorf("err = %v, want ErrEmptyChannel", err)
		}
		if f.sub.Calls() != 0 {
			t.Error("subscribed with empty channel")
		}
	})

	t.Run("subscribe fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		wantErr := errors.New("rtm down")
		f.sub.SubscribeErr = wantErr
		_, err := f.ctrl.StartSession(context.Background(), "room")
		if !errors.Is(err, wantErr) {
			t.Fatalf("err = %v, want %v", err, wantErr)
		}
		if len(f.launcher.StartCalls()) != 0 {
			t.Error("agent started without subscription")
		}
		if f.ctrl.Snapshot().Active {
			t.Error("session active after failed start")
		}
	})

	t.Run("agent fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		wantErr := errors.New("quota")
		f.launcher.StartErr = wantErr
		_, err := f.ctrl.StartSession(context.Background(), "room")
		if !errors.Is(err, wantErr) {
			t.Fatalf("err = %v, want %v", err, wantErr)
		}
		if !f.sub.Last().Closed() {
			t.Error("subscription leaked after agent failure")
		}
		if f.ctrl.Snapshot().Active {
			t.Error("session active after failed start")
		}
		if err := f.ctrl.EndSession(context.Background()); !errors.Is(err, ErrNoSession) {
			t.Errorf("EndSession = %v, want ErrNoSession", err)
		}
	})

	t.Run("failed restart still clears old state", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.start(t, "room-1")
		f.send(t, types.RoleAgent, "【"+doc+"】", true)
		f.waitFor(t, "artifact", func(s Snapshot) bool { return len(s.Artifacts) == 1 })

		f.sub.SubscribeErr = errors.New("down")
		if _, err := f.ctrl.StartSession(context.Background(), "room-2"); err == nil {
			t.Fatal("expected error")
		}
		s := f.ctrl.Snapshot()
		if len(s.Artifacts) != 0 || s.Active {
			t.Errorf("state after failed restart = %+v", s)
		}
	})
}

func TestController_WithoutLauncher(t *testing.T) {
	t.Parallel()
	sub := &chmock.Subscriber{}
	c := New(sub, WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	s, err := c.StartSession(context.Background(), "room")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if s.AgentID != "" || !s.Active || s.SessionID == "" {
		t.Errorf("snapshot = %+v", s)
	}
	if err := c.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
}

func TestController_LeaveFailureDoesNotBlockEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.launcher.LeaveErr = errors.New("agent gone")
	f.start(t, "room")

	if err := f.ctrl.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if f.ctrl.Snapshot().Active {
		t.Error("session still active")
	}
}

func TestController_EndSessionWhenIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.ctrl.EndSession(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}

func TestController_ChannelFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, "room")

	if err := f.ctrl.Check(context.Background()); err != nil {
		t.Fatalf("Check on healthy session: %v", err)
	}
	f.sub.Last().Fail(errors.New("socket reset"))
	s := f.waitFor(t, "channel error", func(s Snapshot) bool { return s.ChannelError != "" })
	if !strings.Contains(s.ChannelError, "socket reset") {
		t.Errorf("ChannelError = %q", s.ChannelError)
	}
	if err := f.ctrl.Check(context.Background()); err == nil {
		t.Error("Check returned nil after channel failure")
	}

	// A fresh session clears the failure.
	f.start(t, "room-2")
	if err := f.ctrl.Check(context.Background()); err != nil {
		t.Errorf("Check after restart: %v", err)
	}
}

func TestController_Watch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := f.ctrl.Watch(ctx)

	f.start(t, "room")
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after StartSession")
	}

	// Drain, then expect a signal for a new entry.
	select {
	case <-ch:
	default:
	}
	f.send(t, types.RoleUser, "hi", true)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after event")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}

func TestController_Close(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.ctrl.Watch(context.Background())
	f.start(t, "room")

	if err := f.ctrl.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !f.sub.Last().Closed() {
		t.Error("subscription not closed")
	}
	if got := f.launcher.LeaveCalls(); len(got) != 1 {
		t.Errorf("leave calls = %v", got)
	}
	for range ch {
	}
	if _, err := f.ctrl.StartSession(context.Background(), "room"); !errors.Is(err, ErrClosed) {
		t.Errorf("StartSession after Close = %v, want ErrClosed", err)
	}
	if err := f.ctrl.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, ok := <-f.ctrl.Watch(context.Background()); ok {
		t.Error("Watch after Close returned an open channel")
	}
}

func TestController_CloseReleasesWatchers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chans := []<-chan struct{}{f.ctrl.Watch(context.Background()), f.ctrl.Watch(ctx)}

	closed := make(chan error, 1)
	go func() { closed <- f.ctrl.Close(context.Background()) }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return with watchers on a live context")
	}

	for _, ch := range chans {
		for range ch {
		}
	}

	drained := make(chan struct{})
	go func() {
		f.ctrl.watchWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("watch goroutines still running after Close")
	}

	// Cancelling afterwards must not touch the already closed channel.
	cancel()
}

func TestGenerationState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[GenerationState]string{Idle: "idle", Generating: "generating", 7: "GenerationState(7)"} {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}
