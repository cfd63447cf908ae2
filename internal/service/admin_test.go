package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/septivank/ev-station-sync/internal/aggregator"
	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/internal/rtdb"
	"github.com/septivank/ev-station-sync/internal/service"
	"github.com/septivank/ev-station-sync/internal/validator"
	"github.com/septivank/ev-station-sync/tools/timeparser"
	"go.uber.org/zap"
)

const adminNowMs = 1700000000000

var adminDefaults = model.Settings{PriceVndPerKwh: 4500, TemperatureThresholdC: 40}

func newAdmin(t *testing.T) (*service.AdminService, *rtdb.Memory) {
	t.Helper()
	store := rtdb.NewMemory(zap.NewNop())
	t.Cleanup(store.Close)
	resolver := timeparser.NewResolver(
		func() time.Time { return time.UnixMilli(adminNowMs) },
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		10080,
		time.UTC,
	)
	agg := aggregator.NewAggregator(resolver, adminDefaults)
	return service.NewAdminService(store, validator.NewValidator(), agg, adminDefaults, zap.NewNop()), store
}

func TestAdmin_BindCardWritesProfileAndBinding(t *testing.T) {
	admin, store := newAdmin(t)

	uid, err := admin.BindCard(context.Background(), "  an  ", "an@example.com", "C001")
	if err != nil {
		t.Fatalf("BindCard failed: %v", err)
	}

	if uid != "an" {
		t.Errorf("Expected uid 'an', got '%s'", uid)
	}
	user := read(t, store, "users/an")
	if user["name"] != "an" || user["cardId"] != "C001" || user["email"] != "an@example.com" {
		t.Errorf("Unexpected profile %v", user)
	}
	if user["updatedTs"] != float64(adminNowMs) {
		t.Errorf("Expected updatedTs %d, got %v", int64(adminNowMs), user["updatedTs"])
	}
	raw, err := store.Get(context.Background(), "rfidMap/C001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(raw) != `"an"` {
		t.Errorf("Expected binding to 'an', got %s", raw)
	}
}

func TestAdmin_BindCardWithoutEmailKeepsExistingEmail(t *testing.T) {
	admin, store := newAdmin(t)
	if _, err := admin.BindCard(context.Background(), "an", "an@example.com", "C001"); err != nil {
		t.Fatalf("BindCard failed: %v", err)
	}

	if _, err := admin.BindCard(context.Background(), "an", "", "C002"); err != nil {
		t.Fatalf("BindCard failed: %v", err)
	}

	user := read(t, store, "users/an")
	if user["email"] != "an@example.com" {
		t.Errorf("Expected email kept, got %v", user["email"])
	}
	if user["cardId"] != "C002" {
		t.Errorf("Expected card C002, got %v", user["cardId"])
	}
}

func TestAdmin_BindCardRequiresUsernameAndCard(t *testing.T) {
	admin, _ := newAdmin(t)

	if _, err := admin.BindCard(context.Background(), "   ", "", "C001"); !errors.Is(err, service.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for blank username, got %v", err)
	}
	if _, err := admin.BindCard(context.Background(), "an", "", ""); !errors.Is(err, service.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for blank card, got %v", err)
	}
	if _, err := admin.BindCard(context.Background(), "a/n", "", "C001"); !errors.Is(err, service.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for path characters, got %v", err)
	}
}

func TestAdmin_CreateUserGeneratesID(t *testing.T) {
	admin, store := newAdmin(t)

	first, err := admin.CreateUser(context.Background(), "Binh", "")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	second, err := admin.CreateUser(context.Background(), "Binh", "")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	if first == second {
		t.Error("Expected distinct generated ids")
	}
	if user := read(t, store, "users/"+first); user["name"] != "Binh" {
		t.Errorf("Expected stored name 'Binh', got %v", user["name"])
	}
	if _, err := admin.CreateUser(context.Background(), "", ""); !errors.Is(err, service.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for blank name, got %v", err)
	}
}

func TestAdmin_SettingsDefaultUntilSaved(t *testing.T) {
	admin, _ := newAdmin(t)

	settings, ok, err := admin.Settings(context.Background())
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}

	if ok {
		t.Error("Expected settings to be reported missing")
	}
	if settings.PriceVndPerKwh != 4500 {
		t.Errorf("Expected default price 4500, got %v", settings.PriceVndPerKwh)
	}
}

func TestAdmin_UpdateSettingsRoundsPrice(t *testing.T) {
	admin, _ := newAdmin(t)

	saved, err := admin.UpdateSettings(context.Background(), 3999.6, 45.5)
	if err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if saved.PriceVndPerKwh != 4000 {
		t.Errorf("Expected rounded price 4000, got %v", saved.PriceVndPerKwh)
	}

	settings, ok, err := admin.Settings(context.Background())
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected settings to exist")
	}
	if settings.PriceVndPerKwh != 4000 || settings.TemperatureThresholdC != 45.5 {
		t.Errorf("Unexpected settings %+v", settings)
	}
	if settings.UpdatedAt == nil || *settings.UpdatedAt != adminNowMs {
		t.Errorf("Expected updatedTs %d, got %v", int64(adminNowMs), settings.UpdatedAt)
	}

	if _, err := admin.UpdateSettings(context.Background(), -1, 40); !errors.Is(err, service.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for negative price, got %v", err)
	}
}

func TestAdmin_SetChargingKeepsOtherStatusFields(t *testing.T) {
	admin, store := newAdmin(t)
	if err := store.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if err := store.Update(context.Background(), map[string]any{
		"stations/1/ports/A/status": map[string]any{"isCharging": false, "sessionId": "s1"},
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if err := admin.SetCharging(context.Background(), "1", "A", true); err != nil {
		t.Fatalf("SetCharging failed: %v", err)
	}

	status := read(t, store, "stations/1/ports/A/status")
	if status["isCharging"] != true {
		t.Errorf("Expected isCharging true, got %v", status["isCharging"])
	}
	if status["sessionId"] != "s1" {
		t.Errorf("Expected sessionId kept, got %v", status["sessionId"])
	}
}

func TestAdmin_HistoryResolvesNamesAndPrice(t *testing.T) {
	admin, store := newAdmin(t)
	if _, err := admin.UpdateSettings(context.Background(), 4000, 40); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if _, err := admin.BindCard(context.Background(), "an", "", "C001"); err != nil {
		t.Fatalf("BindCard failed: %v", err)
	}
	if err := store.Update(context.Background(), map[string]any{
		"sessions/s1": map[string]any{"stationId": 1, "port": "A", "cardId": "C001", "startTs": 1000, "stopTs": 61000, "energyKwh": 0.5},
		"sessions/s2": map[string]any{"stationId": 1, "port": "B", "startTs": 1000, "stopTs": 0},
		"sessions/s3": "garbage",
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	rows, totals, err := admin.History(context.Background())
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	if len(rows) != 1 {
		t.Fatalf("Expected 1 completed session, got %d", len(rows))
	}
	if rows[0].UserName != "an" {
		t.Errorf("Expected user name 'an', got '%s'", rows[0].UserName)
	}
	if rows[0].CostVnd != 2000 {
		t.Errorf("Expected cost 2000 from stored price, got %v", rows[0].CostVnd)
	}
	if totals.Sessions != 1 || totals.TotalRevenueVnd != 2000 {
		t.Errorf("Unexpected totals %+v", totals)
	}
}
