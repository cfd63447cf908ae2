package subscription_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/septivank/ev-station-sync/internal/rtdb"
	"github.com/septivank/ev-station-sync/internal/subscription"
	"go.uber.org/zap"
)

type fakeLink struct {
	path      string
	onValue   rtdb.ValueFunc
	onError   rtdb.ErrorFunc
	cancelled bool
}

// fakeOpener records every link and lets the test push values synchronously
type fakeOpener struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *fakeOpener) open(path string, onValue rtdb.ValueFunc, onError rtdb.ErrorFunc) subscription.CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{path: path, onValue: onValue, onError: onError}
	f.links = append(f.links, l)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		l.cancelled = true
	}
}

// latest returns the most recent link opened at path
func (f *fakeOpener) latest(t *testing.T, path string) *fakeLink {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.links) - 1; i >= 0; i-- {
		if f.links[i].path == path {
			return f.links[i]
		}
	}
	t.Fatalf("no link opened at %s", path)
	return nil
}

func (f *fakeOpener) opensAt(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.links {
		if l.path == path {
			n++
		}
	}
	return n
}

func (f *fakeOpener) live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for _, l := range f.links {
		if !l.cancelled {
			paths = append(paths, l.path)
		}
	}
	return paths
}

func push(l *fakeLink, value string) {
	if value == "" {
		l.onValue(nil)
		return
	}
	l.onValue(json.RawMessage(value))
}

func decodeObject(_ string, raw json.RawMessage) (any, error) {
	if raw == nil {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeString(_ string, raw json.RawMessage) (any, error) {
	if raw == nil {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func field(v any, name string) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := m[name].(string)
	return s, ok && s != ""
}

// testLevels mirrors the port chain: status, session, card binding, user
func testLevels() []subscription.Level {
	return []subscription.Level{
		{
			Name:   "status",
			Key:    func([]any) (string, bool) { return "A", true },
			Path:   func(string) string { return "stations/1/ports/A/status" },
			Decode: decodeObject,
		},
		{
			Name:   "session",
			Key:    func(up []any) (string, bool) { return field(up[0], "sessionId") },
			Path:   func(k string) string { return "sessions/" + k },
			Decode: decodeObject,
		},
		{
			Name: "card",
			Key: func(up []any) (string, bool) {
				if card, ok := field(up[1], "cardId"); ok {
					return card, true
				}
				return field(up[0], "cardId")
			},
			Path:   func(k string) string { return "rfidMap/" + k },
			Decode: decodeString,
		},
		{
			Name: "user",
			Key: func(up []any) (string, bool) {
				uid, ok := up[2].(string)
				return uid, ok && uid != ""
			},
			Path:   func(k string) string { return "users/" + k },
			Decode: decodeObject,
		},
	}
}

func newTestChain(t *testing.T) (*subscription.Chain, *fakeOpener, *int) {
	t.Helper()
	opener := &fakeOpener{}
	changes := 0
	chain := subscription.NewChain("test", testLevels(), opener.open, zap.NewNop(), func() { changes++ })
	chain.Start()
	return chain, opener, &changes
}

func TestChain_RepeatedKeyDoesNotResubscribe(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	status := opener.latest(t, "stations/1/ports/A/status")

	for _, id := range []string{"A", "A", "A", "B", "", "B"} {
		if id == "" {
			push(status, `{"isCharging":false}`)
			continue
		}
		push(status, fmt.Sprintf(`{"isCharging":true,"sessionId":%q,"ts":%d}`, id, len(id)))
	}

	stats := chain.Stats()
	if stats[1].Opens != 3 {
		t.Errorf("Expected 3 session opens, got %d", stats[1].Opens)
	}
	if got := opener.opensAt("sessions/A"); got != 1 {
		t.Errorf("Expected sessions/A opened once, got %d", got)
	}
	if got := opener.opensAt("sessions/B"); got != 2 {
		t.Errorf("Expected sessions/B opened twice, got %d", got)
	}
	if stats[0].Opens != 1 {
		t.Errorf("Expected the status link to be opened once, got %d", stats[0].Opens)
	}
}

func TestChain_AtMostOneLiveLinkPerLevel(t *testing.T) {
	_, opener, _ := newTestChain(t)
	status := opener.latest(t, "stations/1/ports/A/status")

	push(status, `{"sessionId":"A"}`)
	push(status, `{"sessionId":"B"}`)
	push(status, `{"sessionId":"C"}`)

	live := opener.live()
	if len(live) != 2 {
		t.Fatalf("Expected 2 live links, got %v", live)
	}
	if live[1] != "sessions/C" {
		t.Errorf("Expected sessions/C to be live, got %s", live[1])
	}
}

func fillChain(t *testing.T, opener *fakeOpener) {
	t.Helper()
	push(opener.latest(t, "stations/1/ports/A/status"), `{"isCharging":true,"sessionId":"s1","cardId":"C001"}`)
	push(opener.latest(t, "sessions/s1"), `{"cardId":"C001","startTs":1700000000000}`)
	push(opener.latest(t, "rfidMap/C001"), `"u1"`)
	push(opener.latest(t, "users/u1"), `{"name":"An"}`)
}

func TestChain_FullChainPublishesEveryLevel(t *testing.T) {
	chain, opener, changes := newTestChain(t)
	fillChain(t, opener)

	values := chain.Values()
	for i, v := range values {
		if v == nil {
			t.Errorf("Expected level %d to be published", i)
		}
	}
	if uid, _ := values[2].(string); uid != "u1" {
		t.Errorf("Expected user id u1, got %v", values[2])
	}
	if name, _ := field(values[3], "name"); name != "An" {
		t.Errorf("Expected user name An, got %v", values[3])
	}
	if *changes < 4 {
		t.Errorf("Expected at least 4 change notifications, got %d", *changes)
	}
}

func TestChain_SessionTeardownClearsDeeperLevelsOnly(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	fillChain(t, opener)

	push(opener.latest(t, "stations/1/ports/A/status"), `{"isCharging":false,"cardId":"C001"}`)

	values := chain.Values()
	if values[0] == nil {
		t.Fatal("Expected port status to stay published")
	}
	for i := 1; i < len(values); i++ {
		if values[i] != nil {
			t.Errorf("Expected level %d to be cleared, got %v", i, values[i])
		}
	}
	for _, path := range []string{"sessions/s1", "rfidMap/C001", "users/u1"} {
		if !opener.latest(t, path).cancelled {
			t.Errorf("Expected %s to be cancelled", path)
		}
	}
	if opener.latest(t, "stations/1/ports/A/status").cancelled {
		t.Error("Expected status link to stay open")
	}
}

func TestChain_PayloadChangeWithSameKeyKeepsDownstream(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	fillChain(t, opener)

	push(opener.latest(t, "sessions/s1"), `{"cardId":"C001","startTs":1700000000000,"energyKwh":1.2}`)
	push(opener.latest(t, "stations/1/ports/A/status"), `{"isCharging":true,"sessionId":"s1","cardId":"C001","ts":99}`)

	if got := opener.opensAt("rfidMap/C001"); got != 1 {
		t.Errorf("Expected card binding opened once, got %d", got)
	}
	if got := opener.opensAt("users/u1"); got != 1 {
		t.Errorf("Expected user profile opened once, got %d", got)
	}
	if chain.Values()[3] == nil {
		t.Error("Expected user profile to stay published")
	}
}

func TestChain_StatusCardUsedUntilSessionArrives(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	push(opener.latest(t, "stations/1/ports/A/status"), `{"sessionId":"s1","cardId":"C001"}`)

	if got := opener.opensAt("rfidMap/C001"); got != 1 {
		t.Fatalf("Expected card binding from status, got %d opens", got)
	}

	push(opener.latest(t, "sessions/s1"), `{"cardId":"C002"}`)

	if got := opener.opensAt("rfidMap/C002"); got != 1 {
		t.Errorf("Expected session card to win, got %d opens", got)
	}
	if !opener.latest(t, "rfidMap/C001").cancelled {
		t.Error("Expected status card binding to be cancelled")
	}
	if chain.Stats()[2].Key != "C002" {
		t.Errorf("Expected card key C002, got %s", chain.Stats()[2].Key)
	}
}

func TestChain_ErrorIsolatesDeeperLevels(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	fillChain(t, opener)

	session := opener.latest(t, "sessions/s1")
	session.onError(rtdb.NewError(rtdb.KindPermissionDenied, "sessions/s1", errors.New("rules")))

	values := chain.Values()
	if values[0] == nil {
		t.Fatal("Expected port status to survive a session error")
	}
	for i := 1; i < len(values); i++ {
		if values[i] != nil {
			t.Errorf("Expected level %d to be null after error, got %v", i, values[i])
		}
	}
	if opener.latest(t, "stations/1/ports/A/status").cancelled {
		t.Error("Expected status link to stay open after a session error")
	}
	if !chain.Stats()[1].Failed {
		t.Error("Expected session level to be marked failed")
	}

	// a later push on the same link recovers the chain
	push(session, `{"cardId":"C001"}`)
	if chain.Stats()[2].Key != "C001" {
		t.Error("Expected card binding to be re-derived after recovery")
	}
	if got := opener.opensAt("rfidMap/C001"); got != 2 {
		t.Errorf("Expected card binding reopened after recovery, got %d opens", got)
	}
}

func TestChain_StalePushFromReplacedLinkIsDropped(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	status := opener.latest(t, "stations/1/ports/A/status")

	push(status, `{"sessionId":"A"}`)
	oldSession := opener.latest(t, "sessions/A")
	push(status, `{"sessionId":"B"}`)

	push(oldSession, `{"cardId":"STALE"}`)

	if chain.Values()[1] != nil {
		t.Errorf("Expected stale session push to be ignored, got %v", chain.Values()[1])
	}
	if got := opener.opensAt("rfidMap/STALE"); got != 0 {
		t.Errorf("Expected no card binding from a stale push, got %d", got)
	}

	oldSession.onError(errors.New("late error"))
	if chain.Stats()[1].Failed {
		t.Error("Expected stale error to be ignored")
	}
}

func TestChain_MalformedPayloadTreatedAsAbsent(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	fillChain(t, opener)

	push(opener.latest(t, "rfidMap/C001"), `{"not":"a string"}`)

	values := chain.Values()
	if values[2] != nil || values[3] != nil {
		t.Errorf("Expected malformed binding to clear user levels, got %v %v", values[2], values[3])
	}
	if !opener.latest(t, "users/u1").cancelled {
		t.Error("Expected user link to be cancelled")
	}
	if values[1] == nil {
		t.Error("Expected session to stay published")
	}
}

func TestChain_StopCancelsEverything(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	fillChain(t, opener)
	status := opener.latest(t, "stations/1/ports/A/status")

	chain.Stop()

	if live := opener.live(); len(live) != 0 {
		t.Errorf("Expected no live links after stop, got %v", live)
	}
	for i, v := range chain.Values() {
		if v != nil {
			t.Errorf("Expected level %d to be null after stop, got %v", i, v)
		}
	}

	push(status, `{"sessionId":"s9"}`)
	if got := opener.opensAt("sessions/s9"); got != 0 {
		t.Errorf("Expected no link opened after stop, got %d", got)
	}

	chain.Stop()
}

func TestChain_StartIsIdempotent(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	chain.Start()
	chain.Start()

	if got := opener.opensAt("stations/1/ports/A/status"); got != 1 {
		t.Errorf("Expected status link opened once, got %d", got)
	}
}

func TestChain_SettledWaitsForOpenLinks(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	push(opener.latest(t, "stations/1/ports/A/status"), `{"isCharging":false,"sessionId":"s1"}`)
	push(opener.latest(t, "sessions/s1"), `{"cardId":"C001","stopTs":1700000300000}`)

	if chain.Settled(2) {
		t.Fatalf("Expected card level unsettled before the binding arrives")
	}
	push(opener.latest(t, "rfidMap/C001"), `"u1"`)
	if chain.Settled(2) {
		t.Errorf("Expected user level unsettled before the profile arrives")
	}
	if !chain.Stats()[2].Delivered {
		t.Errorf("Expected card level delivered")
	}
	push(opener.latest(t, "users/u1"), `{"name":"An"}`)
	if !chain.Settled(2) {
		t.Errorf("Expected chain settled once the profile arrives")
	}

	// A new card opens a fresh link that has not answered yet
	push(opener.latest(t, "sessions/s1"), `{"cardId":"C002","stopTs":1700000300000}`)
	if chain.Settled(2) {
		t.Errorf("Expected a rebound card to be unsettled")
	}
	opener.latest(t, "rfidMap/C002").onError(errors.New("read denied"))
	if !chain.Settled(2) {
		t.Errorf("Expected a failed card link to count as settled")
	}
}

func TestChain_SettledWithoutCardKey(t *testing.T) {
	chain, opener, _ := newTestChain(t)
	push(opener.latest(t, "stations/1/ports/A/status"), `{"sessionId":"s1"}`)
	push(opener.latest(t, "sessions/s1"), `{"stopTs":1700000300000}`)

	if !chain.Settled(2) {
		t.Errorf("Expected closed card and user levels to count as settled")
	}
	chain.Stop()
	if chain.Settled(2) {
		t.Errorf("Expected a stopped chain to be unsettled")
	}
}
