package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/septivank/ev-station-sync/internal/rtdb"
	"github.com/septivank/ev-station-sync/internal/service"
	"github.com/septivank/ev-station-sync/internal/validator"
	"go.uber.org/zap"
)

func newIngest(t *testing.T) (*service.IngestService, *rtdb.Memory) {
	t.Helper()
	store := rtdb.NewMemory(zap.NewNop())
	t.Cleanup(store.Close)
	return service.NewIngestService(store, validator.NewValidator(), zap.NewNop()), store
}

func frame(t *testing.T, stationID string, updates map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"request_id":  "req-1",
		"station_id":  stationID,
		"received_at": "2024-01-15T10:30:00Z",
		"updates":     updates,
	})
	if err != nil {
		t.Fatalf("failed to marshal frame: %v", err)
	}
	return body
}

func read(t *testing.T, store *rtdb.Memory, path string) map[string]any {
	t.Helper()
	raw, err := store.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("Get %s failed: %v", path, err)
	}
	if raw == nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("failed to decode %s: %v", path, err)
	}
	return out
}

func TestIngest_AppliesValidFrame(t *testing.T) {
	ingest, store := newIngest(t)

	body := frame(t, "", map[string]any{
		"stations/1/env":            map[string]any{"temp": 315, "hum": 0.65},
		"stations/1/ports/A/pzem":   map[string]any{"u": 230, "i": 4.3, "p": 989, "e": 1.5},
		"stations/1/ports/A/status": map[string]any{"isCharging": true, "sessionId": "s1"},
		"sessions/s1":               map[string]any{"stationId": 1, "port": "A", "startTs": 1700000000000},
	})

	if err := ingest.ProcessMessage(context.Background(), "station.1.telemetry", body); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	if env := read(t, store, "stations/1/env"); env["temp"] != 315.0 {
		t.Errorf("Expected env temp 315, got %v", env["temp"])
	}
	if pzem := read(t, store, "stations/1/ports/A/pzem"); pzem["p"] != 989.0 {
		t.Errorf("Expected power 989, got %v", pzem["p"])
	}
	if session := read(t, store, "sessions/s1"); session["port"] != "A" {
		t.Errorf("Expected session port A, got %v", session["port"])
	}
}

func TestIngest_RejectsWriteToForeignStation(t *testing.T) {
	ingest, store := newIngest(t)
	if err := store.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	body := frame(t, "", map[string]any{
		"stations/2/env": map[string]any{"temp": 30},
	})

	err := ingest.ProcessMessage(context.Background(), "station.1.telemetry", body)

	if !errors.Is(err, service.ErrInvalidFrame) {
		t.Fatalf("Expected ErrInvalidFrame, got %v", err)
	}
	if env := read(t, store, "stations/2/env"); env != nil {
		t.Errorf("Expected nothing written, got %v", env)
	}
}

func TestIngest_RejectsMismatchedStationID(t *testing.T) {
	ingest, _ := newIngest(t)

	body := frame(t, "2", map[string]any{
		"stations/1/env": map[string]any{"temp": 30},
	})

	err := ingest.ProcessMessage(context.Background(), "station.1.telemetry", body)

	if !errors.Is(err, service.ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
}

func TestIngest_RejectsNonDevicePath(t *testing.T) {
	ingest, _ := newIngest(t)

	for _, path := range []string{"users/an", "rfidMap/C001", "settings", "stations/1/ports/A", "sessions"} {
		body := frame(t, "1", map[string]any{path: map[string]any{"name": "x"}})

		err := ingest.ProcessMessage(context.Background(), "", body)

		if !errors.Is(err, service.ErrInvalidFrame) {
			t.Errorf("Expected %s to be rejected, got %v", path, err)
		}
	}
}

func TestIngest_InvalidRecordRejectsWholeFrame(t *testing.T) {
	ingest, store := newIngest(t)
	if err := store.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	body := frame(t, "1", map[string]any{
		"stations/1/env":          map[string]any{"temp": 30},
		"stations/1/ports/A/pzem": map[string]any{"p": -5},
	})

	err := ingest.ProcessMessage(context.Background(), "", body)

	if !errors.Is(err, service.ErrInvalidFrame) {
		t.Fatalf("Expected ErrInvalidFrame, got %v", err)
	}
	if env := read(t, store, "stations/1/env"); env != nil {
		t.Errorf("Expected no partial write, got env %v", env)
	}
}

func TestIngest_NullDeletesRecord(t *testing.T) {
	ingest, store := newIngest(t)

	first := frame(t, "1", map[string]any{
		"stations/1/ports/B/status": map[string]any{"isCharging": true},
	})
	if err := ingest.ProcessMessage(context.Background(), "station.1", first); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	second := frame(t, "1", map[string]any{
		"stations/1/ports/B/status": nil,
	})
	if err := ingest.ProcessMessage(context.Background(), "station.1", second); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	if status := read(t, store, "stations/1/ports/B/status"); status != nil {
		t.Errorf("Expected status deleted, got %v", status)
	}
}

func TestIngest_RejectsGarbage(t *testing.T) {
	ingest, _ := newIngest(t)

	if err := ingest.ProcessMessage(context.Background(), "", []byte("not json")); !errors.Is(err, service.ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame for garbage, got %v", err)
	}
	if err := ingest.ProcessMessage(context.Background(), "", frame(t, "1", nil)); !errors.Is(err, service.ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame for empty frame, got %v", err)
	}
}

func TestIngest_SessionFromForeignStationRejected(t *testing.T) {
	ingest, _ := newIngest(t)

	body := frame(t, "", map[string]any{
		"sessions/s9": map[string]any{"stationId": "2", "startTs": 1700000000000},
	})

	err := ingest.ProcessMessage(context.Background(), "station.1.session", body)

	if !errors.Is(err, service.ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
}
