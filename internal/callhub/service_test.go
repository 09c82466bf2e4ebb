package callhub

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/auth"
	"github.com/MrWong99/callrelay/internal/transcription"
	"github.com/MrWong99/callrelay/internal/wire"
	sttmock "github.com/MrWong99/callrelay/pkg/provider/stt/mock"
	"github.com/MrWong99/callrelay/pkg/socket"
	socketmock "github.com/MrWong99/callrelay/pkg/socket/mock"
	"github.com/MrWong99/callrelay/pkg/store"
	storemock "github.com/MrWong99/callrelay/pkg/store/mock"
)

const testCallID = 42

// tokenResolver accepts tokens of the form "tok-<userID>".
var tokenResolver = auth.ResolverFunc(func(_ context.Context, token string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(token, "tok-"), 10, 64)
	if err != nil || !strings.HasPrefix(token, "tok-") {
		return 0, auth.ErrInvalidToken
	}
	return id, nil
})

type fixture struct {
	svc   *Service
	reg   *Registry
	store *storemock.Store
	stt   *sttmock.Provider
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	m := testMetrics(t)
	st := storemock.New()
	st.AddCall(store.Call{ID: testCallID, OwnerID: 1, CallerID: 2, CalleeID: 3, Participants: []int64{4}})
	p := &sttmock.Provider{}
	reg := NewRegistry(WithMetrics(m))
	all := append([]ServiceOption{
		WithServiceMetrics(m),
		WithSTT(p, transcription.Config{DrainTimeout: time.Second}),
		WithPersistTimeout(time.Second),
	}, opts...)
	return &fixture{
		svc:   NewService(reg, tokenResolver, st, st, all...),
		reg:   reg,
		store: st,
		stt:   p,
	}
}

// serve runs Serve for userID in the background and returns its link and a
// channel yielding Serve's result.
func (f *fixture) serve(t *testing.T, ctx context.Context, userID int64) (*socketmock.Link, <-chan error) {
	t.Helper()
	l := socketmock.New("user-" + strconv.FormatInt(userID, 10))
	done := make(chan error, 1)
	go func() {
		done <- f.svc.Serve(ctx, l, testCallID, "tok-"+strconv.FormatInt(userID, 10))
	}()
	return l, done
}

func (f *fixture) waitMembers(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "members", func() bool { return len(f.reg.Members(testCallID)) == n })
}

func (f *fixture) session(t *testing.T) *sttmock.Session {
	t.Helper()
	waitFor(t, "stt stream", func() bool { return f.stt.LastSession() != nil })
	return f.stt.LastSession().(*sttmock.Session)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	return nil
}

func statuses(l *socketmock.Link) []string {
	var out []string
	for _, m := range l.SentOfType(wire.TypeStatus) {
		out = append(out, m["message"].(string))
	}
	return out
}

func waitStatus(t *testing.T, l *socketmock.Link, want string) {
	t.Helper()
	waitFor(t, "status "+want, func() bool {
		for _, s := range statuses(l) {
			if s == want {
				return true
			}
		}
		return false
	})
}

// ─── Admission ───────────────────────────────────────────────────────────────

func TestServe_RejectsInvalidToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	l := socketmock.New("anon")

	err := f.svc.Serve(context.Background(), l, testCallID, "garbage")
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("Serve error = %v, want %v", err, auth.ErrInvalidToken)
	}
	if code, _ := l.CloseStatus(); code != socket.StatusPolicyViolation {
		t.Errorf("close code = %d, want %d", code, socket.StatusPolicyViolation)
	}
	if f.reg.Calls() != 0 {
		t.Error("rejected connection was registered")
	}
	if f.store.CallCount("LoadCall") != 0 {
		t.Error("call lookup ran for an unauthenticated connection")
	}
}

func TestServe_RejectsNonParticipants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		callID int64
		userID int64
	}{
		{"unrelated user", testCallID, 99},
		{"missing call", 404, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			l := socketmock.New("x")
			err := f.svc.Serve(context.Background(), l, tt.callID, "tok-"+strconv.FormatInt(tt.userID, 10))
			if !errors.Is(err, ErrNotParticipant) {
				t.Errorf("Serve error = %v, want %v", err, ErrNotParticipant)
			}
			if code, _ := l.CloseStatus(); code != socket.StatusPolicyViolation {
				t.Errorf("close code = %d, want %d", code, socket.StatusPolicyViolation)
			}
			if f.reg.Calls() != 0 {
				t.Error("rejected connection was registered")
			}
		})
	}
}

func TestServe_LookupFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.LoadCallErr = errors.New("db down")
	l := socketmock.New("x")

	err := f.svc.Serve(context.Background(), l, testCallID, "tok-1")
	if err == nil || errors.Is(err, ErrNotParticipant) {
		t.Errorf("Serve error = %v, want a lookup error", err)
	}
	if code, _ := l.CloseStatus(); code != socket.StatusInternalError {
		t.Errorf("close code = %d, want %d", code, socket.StatusInternalError)
	}
}

func TestAuthorize_AllParties(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, uid := range []int64{1, 2, 3, 4} {
		if err := f.svc.Authorize(context.Background(), testCallID, uid); err != nil {
			t.Errorf("Authorize(user %d) = %v, want nil", uid, err)
		}
	}
}

// ─── Relay ───────────────────────────────────────────────────────────────────

func TestServe_RelaysSignalingVerbatim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	alice, aliceDone := f.serve(t, ctx, 1)
	bob, bobDone := f.serve(t, ctx, 2)
	carol, carolDone := f.serve(t, ctx, 4)
	f.waitMembers(t, 3)

	msgs := [][]byte{
		[]byte(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}`),
		[]byte(`{"type":"ice_candidate","candidate":{"candidate":"a=1","sdpMid":"0"}}`),
		[]byte(`{"type":"answer",   "sdp":"x"}`),
	}
	for _, m := range msgs {
		alice.Push(m)
	}

	for _, peer := range []*socketmock.Link{bob, carol} {
		waitFor(t, "relay to "+peer.ID(), func() bool { return peer.SentCount() == len(msgs) })
		for i, got := range peer.Sent() {
			if string(got) != string(msgs[i]) {
				t.Errorf("%s message %d = %s, want %s", peer.ID(), i, got, msgs[i])
			}
		}
	}

	alice.Hangup()
	bob.Hangup()
	carol.Hangup()
	for _, d := range []<-chan error{aliceDone, bobDone, carolDone} {
		if err := waitDone(t, d); err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	}
	if alice.SentCount() != 0 {
		t.Errorf("sender received %d messages, want 0", alice.SentCount())
	}
	if f.reg.Calls() != 0 {
		t.Error("call entry survived after every member left")
	}
}

func TestServe_IgnoresUnknownTypes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 1)
	bob, bobDone := f.serve(t, context.Background(), 2)
	f.waitMembers(t, 2)

	alice.Push([]byte(`{"type":"dance"}`))
	alice.Push([]byte(`{"no_type":true}`))
	alice.Push([]byte(`{"type":"offer"}`))
	waitFor(t, "offer", func() bool { return bob.SentCount() == 1 })

	alice.Hangup()
	bob.Hangup()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
	waitDone(t, bobDone)
	if alice.Closed() {
		if code, _ := alice.CloseStatus(); code != socket.StatusNormalClosure {
			t.Errorf("close code = %d, want %d", code, socket.StatusNormalClosure)
		}
	}
}

func TestServe_MalformedJSONCloses1007(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 1)
	f.waitMembers(t, 1)

	alice.Push([]byte(`{"type":`))
	err := waitDone(t, done)
	if !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("Serve error = %v, want %v", err, wire.ErrMalformed)
	}
	if code, _ := alice.CloseStatus(); code != socket.StatusInvalidPayload {
		t.Errorf("close code = %d, want %d", code, socket.StatusInvalidPayload)
	}
	if f.reg.Calls() != 0 {
		t.Error("closed connection still registered")
	}
}

func TestServe_ContextCancelClosesGoingAway(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	alice, done := f.serve(t, ctx, 1)
	f.waitMembers(t, 1)

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
	if code, _ := alice.CloseStatus(); code != socket.StatusGoingAway {
		t.Errorf("close code = %d, want %d", code, socket.StatusGoingAway)
	}
	if f.reg.Calls() != 0 {
		t.Error("cancelled connection still registered")
	}
}

// ─── Transcription ───────────────────────────────────────────────────────────

func TestServe_StopPersistsJoinedFinalsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 1)
	bob, bobDone := f.serve(t, context.Background(), 2)
	f.waitMembers(t, 2)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionStarted)
	if got := bob.SentOfType(wire.TypeStatus); len(got) != 0 {
		t.Errorf("status reached the other participant: %v", got)
	}

	sess := f.session(t)
	sess.EmitPartial("hel")
	waitFor(t, "partial", func() bool { return len(bob.SentOfType(wire.TypeTranscript)) == 1 })
	sess.EmitFinal("hello")
	sess.EmitFinal("world")

	// Transcripts go to the whole call, sender included.
	for _, l := range []*socketmock.Link{alice, bob} {
		waitFor(t, "transcripts to "+l.ID(), func() bool { return len(l.SentOfType(wire.TypeTranscript)) == 3 })
		got := l.SentOfType(wire.TypeTranscript)
		if got[0]["text"] != "hel" || got[0]["is_final"] != false {
			t.Errorf("%s first transcript = %v, want partial hel", l.ID(), got[0])
		}
		if got[2]["text"] != "world" || got[2]["is_final"] != true {
			t.Errorf("%s last transcript = %v, want final world", l.ID(), got[2])
		}
	}

	alice.PushJSON(map[string]string{"type": wire.TypeStopTranscription})
	waitStatus(t, alice, StatusTranscriptionStopped)
	alice.PushJSON(map[string]string{"type": wire.TypeStopTranscription})
	alice.Hangup()
	bob.Hangup()
	waitDone(t, done)
	waitDone(t, bobDone)

	text, ok := f.store.Transcript(testCallID)
	if !ok || text != "hello world" {
		t.Errorf("stored transcript = %q (ok=%v), want %q", text, ok, "hello world")
	}
	if got := f.store.CallCount("UpsertTranscript"); got != 1 {
		t.Errorf("UpsertTranscript calls = %d, want 1", got)
	}
	if got := len(statuses(alice)); got != 2 {
		t.Errorf("status messages = %v, want start and one stop", statuses(alice))
	}
	if sess.Closes() != 1 {
		t.Errorf("stt session closed %d times, want 1", sess.Closes())
	}
}

func TestServe_StopBroadcastsFinalsStillQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 1)
	bob, bobDone := f.serve(t, context.Background(), 2)
	f.waitMembers(t, 2)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionStarted)
	sess := f.session(t)
	sess.FlushOnClose = []string{"again"}

	sess.EmitFinal("hello")
	sess.EmitFinal("world")
	alice.PushJSON(map[string]string{"type": wire.TypeStopTranscription})
	waitStatus(t, alice, StatusTranscriptionStopped)

	want := []string{"hello", "world", "again"}
	for _, l := range []*socketmock.Link{alice, bob} {
		var finals []string
		for _, m := range l.SentOfType(wire.TypeTranscript) {
			if m["is_final"] == true {
				finals = append(finals, m["text"].(string))
			}
		}
		if strings.Join(finals, "|") != strings.Join(want, "|") {
			t.Errorf("%s final transcripts = %q, want %q", l.ID(), finals, want)
		}
	}
	if text, _ := f.store.Transcript(testCallID); text != "hello world again" {
		t.Errorf("stored transcript = %q, want %q", text, "hello world again")
	}

	alice.Hangup()
	bob.Hangup()
	waitDone(t, done)
	waitDone(t, bobDone)
}

func TestServe_ProviderEndedStreamPersistsAndAllowsRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 1)
	f.waitMembers(t, 1)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionStarted)
	sess := f.session(t)
	sess.EmitFinal("early")
	// The engine hangs up on its own.
	_ = sess.Close()

	waitStatus(t, alice, StatusTranscriptionStopped)
	if text, _ := f.store.Transcript(testCallID); text != "early" {
		t.Errorf("stored transcript = %q, want %q", text, "early")
	}

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitFor(t, "second stream", func() bool { return f.stt.StartStreamCallCount() == 2 })
	waitFor(t, "second start status", func() bool {
		n := 0
		for _, s := range statuses(alice) {
			if s == StatusTranscriptionStarted {
				n++
			}
		}
		return n == 2
	})
	for _, s := range statuses(alice) {
		if s == StatusTranscriptionActive {
			t.Error("restart after provider hang-up reported an active transcription")
		}
	}

	alice.Hangup()
	waitDone(t, done)
	if got := f.store.CallCount("UpsertTranscript"); got != 1 {
		t.Errorf("UpsertTranscript calls = %d, want 1", got)
	}
}

func TestServe_PreservesPerSenderOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	alice, aliceDone := f.serve(t, ctx, 1)
	bob, bobDone := f.serve(t, ctx, 2)
	carol, carolDone := f.serve(t, ctx, 4)
	f.waitMembers(t, 3)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionStarted)
	sess := f.session(t)

	const n = 50
	for i := range n {
		alice.PushJSON(map[string]any{"type": wire.TypeOffer, "seq": i})
		if i%5 == 0 {
			sess.EmitFinal("segment-" + strconv.Itoa(i/5))
		}
	}

	for _, peer := range []*socketmock.Link{bob, carol} {
		waitFor(t, "offers to "+peer.ID(), func() bool { return len(peer.SentOfType(wire.TypeOffer)) == n })
		for i, m := range peer.SentOfType(wire.TypeOffer) {
			if seq := int(m["seq"].(float64)); seq != i {
				t.Fatalf("%s offer %d carries seq %d, want %d", peer.ID(), i, seq, i)
			}
		}

		waitFor(t, "transcripts to "+peer.ID(), func() bool { return len(peer.SentOfType(wire.TypeTranscript)) == n/5 })
		for i, m := range peer.SentOfType(wire.TypeTranscript) {
			if want := "segment-" + strconv.Itoa(i); m["text"] != want {
				t.Fatalf("%s transcript %d = %v, want %q", peer.ID(), i, m["text"], want)
			}
		}
	}

	alice.Hangup()
	bob.Hangup()
	carol.Hangup()
	for _, d := range []<-chan error{aliceDone, bobDone, carolDone} {
		waitDone(t, d)
	}
}

func TestServe_DisconnectMidTranscriptionPersistsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 3)
	f.waitMembers(t, 1)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionStarted)
	f.session(t).EmitFinal("partial")
	waitFor(t, "transcript", func() bool { return len(alice.SentOfType(wire.TypeTranscript)) == 1 })

	alice.Hangup()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}

	text, _ := f.store.Transcript(testCallID)
	if text != "partial" {
		t.Errorf("stored transcript = %q, want %q", text, "partial")
	}
	if got := f.store.CallCount("UpsertTranscript"); got != 1 {
		t.Errorf("UpsertTranscript calls = %d, want 1", got)
	}
}

func TestServe_DisconnectPersistsAfterCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	alice, done := f.serve(t, ctx, 1)
	f.waitMembers(t, 1)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionStarted)
	f.session(t).EmitFinal("late")
	waitFor(t, "transcript", func() bool { return len(alice.SentOfType(wire.TypeTranscript)) == 1 })

	cancel()
	waitDone(t, done)
	if text, _ := f.store.Transcript(testCallID); text != "late" {
		t.Errorf("stored transcript = %q, want %q", text, "late")
	}
}

func TestServe_StopWithoutFinalsSkipsWrite(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 1)
	f.waitMembers(t, 1)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionStarted)
	alice.PushJSON(map[string]string{"type": wire.TypeStopTranscription})
	waitStatus(t, alice, StatusTranscriptionStopped)
	alice.Hangup()
	waitDone(t, done)

	if got := f.store.CallCount("UpsertTranscript"); got != 0 {
		t.Errorf("UpsertTranscript calls = %d, want 0", got)
	}
}

func TestServe_StopWithoutBridgeIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 1)
	f.waitMembers(t, 1)

	alice.PushJSON(map[string]string{"type": wire.TypeStopTranscription})
	alice.Hangup()
	waitDone(t, done)

	if alice.SentCount() != 0 {
		t.Errorf("sent %d messages, want 0", alice.SentCount())
	}
	if f.stt.StartStreamCallCount() != 0 || f.store.CallCount("UpsertTranscript") != 0 {
		t.Error("stop without an open session touched the engine or the store")
	}
}

func TestServe_PersistFailureReportsStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.UpsertTranscriptErr = errors.New("disk full")
	alice, done := f.serve(t, context.Background(), 1)
	f.waitMembers(t, 1)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionStarted)
	f.session(t).EmitFinal("lost")
	waitFor(t, "transcript", func() bool { return len(alice.SentOfType(wire.TypeTranscript)) == 1 })

	alice.PushJSON(map[string]string{"type": wire.TypeStopTranscription})
	waitStatus(t, alice, StatusTranscriptSaveFailed)
	alice.Hangup()
	waitDone(t, done)

	// The bridge was cleared on stop, so disconnect does not retry.
	if got := f.store.CallCount("UpsertTranscript"); got != 1 {
		t.Errorf("UpsertTranscript calls = %d, want 1", got)
	}
}

func TestServe_StartTwiceReportsActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 1)
	f.waitMembers(t, 1)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionActive)
	alice.Hangup()
	waitDone(t, done)

	if got := f.stt.StartStreamCallCount(); got != 1 {
		t.Errorf("StartStream calls = %d, want 1", got)
	}
}

func TestServe_TranscriptionUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithSTT(nil, transcription.Config{}))
	alice, done := f.serve(t, context.Background(), 1)
	f.waitMembers(t, 1)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionUnavailable)
	alice.Hangup()
	waitDone(t, done)
}

func TestServe_StartFailureReportsStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.stt.StartStreamErr = errors.New("quota exceeded")
	alice, done := f.serve(t, context.Background(), 1)
	f.waitMembers(t, 1)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionFailed)
	alice.Hangup()
	waitDone(t, done)
}

func TestServe_AudioRelayedAndTranscribed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 1)
	bob, bobDone := f.serve(t, context.Background(), 2)
	f.waitMembers(t, 2)

	// Audio before transcription is only relayed.
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	frame := []byte(`{"type":"audio","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`)
	alice.Push(frame)
	waitFor(t, "first relay", func() bool { return bob.SentCount() == 1 })

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionStarted)
	sess := f.session(t)

	alice.Push(frame)
	waitFor(t, "second relay", func() bool { return len(bob.SentOfType(wire.TypeAudio)) == 2 })
	waitFor(t, "engine audio", func() bool { return sess.SendAudioCallCount() == 1 })
	if got := string(sess.SendAudioCalls[0]); got != string(pcm) {
		t.Errorf("engine received %v, want %v", []byte(got), pcm)
	}
	for _, got := range bob.SentOfType(wire.TypeAudio) {
		if got["data"] != base64.StdEncoding.EncodeToString(pcm) {
			t.Errorf("relayed audio data = %v", got["data"])
		}
	}

	alice.Hangup()
	bob.Hangup()
	waitDone(t, done)
	waitDone(t, bobDone)
}

func TestServe_MalformedBase64WhileTranscribing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice, done := f.serve(t, context.Background(), 1)
	f.waitMembers(t, 1)

	alice.PushJSON(map[string]string{"type": wire.TypeStartTranscription})
	waitStatus(t, alice, StatusTranscriptionStarted)
	alice.Push([]byte(`{"type":"audio","data":"%%%not-base64"}`))

	if err := waitDone(t, done); err == nil {
		t.Error("Serve returned nil for a malformed audio frame")
	}
	if code, _ := alice.CloseStatus(); code != socket.StatusInvalidPayload {
		t.Errorf("close code = %d, want %d", code, socket.StatusInvalidPayload)
	}
	if f.session(t).Closes() != 1 {
		t.Error("bridge not closed on protocol error")
	}
}
