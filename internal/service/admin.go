package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/septivank/ev-station-sync/internal/aggregator"
	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/internal/rtdb"
	"github.com/septivank/ev-station-sync/internal/validator"
	"go.uber.org/zap"
)

// ErrInvalidInput marks a rejected admin request
var ErrInvalidInput = errors.New("invalid input")

// AdminService performs the operator writes against the realtime store and
// reads the collections behind the history view.
type AdminService struct {
	store      rtdb.Store
	validator  *validator.Validator
	aggregator *aggregator.Aggregator
	defaults   model.Settings
	logger     *zap.Logger
}

// NewAdminService creates a new admin service
func NewAdminService(
	store rtdb.Store,
	validator *validator.Validator,
	aggregator *aggregator.Aggregator,
	defaults model.Settings,
	logger *zap.Logger,
) *AdminService {
	return &AdminService{
		store:      store,
		validator:  validator,
		aggregator: aggregator,
		defaults:   defaults,
		logger:     logger,
	}
}

// BindCard registers username as the owner of cardID. The user id is the
// trimmed username, and the profile and binding are written together.
func (s *AdminService) BindCard(ctx context.Context, username, email, cardID string) (string, error) {
	uid := strings.TrimSpace(username)
	cardID = strings.TrimSpace(cardID)
	if uid == "" {
		return "", fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if cardID == "" {
		return "", fmt.Errorf("%w: cardId is required", ErrInvalidInput)
	}
	if err := checkSegment(uid); err != nil {
		return "", err
	}
	if err := checkSegment(cardID); err != nil {
		return "", err
	}

	values := map[string]any{
		model.UserPath(uid) + "/name":      uid,
		model.UserPath(uid) + "/updatedTs": s.aggregator.Resolver().Now(),
		model.UserPath(uid) + "/cardId":    cardID,
		model.RfidPath(cardID):             uid,
	}
	if email = strings.TrimSpace(email); email != "" {
		values[model.UserPath(uid)+"/email"] = email
	}

	if err := s.write(ctx, values); err != nil {
		return "", fmt.Errorf("failed to bind card: %w", err)
	}

	s.logger.Info("card bound", zap.String("user_id", uid), zap.String("card_id", cardID))
	return uid, nil
}

// CreateUser stores a new profile under a generated id
func (s *AdminService) CreateUser(ctx context.Context, name, email string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	uid := uuid.NewString()
	values := map[string]any{
		model.UserPath(uid) + "/name":      name,
		model.UserPath(uid) + "/updatedTs": s.aggregator.Resolver().Now(),
	}
	if email = strings.TrimSpace(email); email != "" {
		values[model.UserPath(uid)+"/email"] = email
	}

	if err := s.write(ctx, values); err != nil {
		return "", fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("user created", zap.String("user_id", uid))
	return uid, nil
}

// UpdateSettings stores the tariff, rounded to whole dong, and the
// temperature alarm threshold.
func (s *AdminService) UpdateSettings(ctx context.Context, priceVndPerKwh, tempThresholdC float64) (*model.Settings, error) {
	if math.IsNaN(priceVndPerKwh) || math.IsInf(priceVndPerKwh, 0) || priceVndPerKwh < 0 {
		return nil, fmt.Errorf("%w: price must be a non-negative number", ErrInvalidInput)
	}
	if math.IsNaN(tempThresholdC) || math.IsInf(tempThresholdC, 0) {
		return nil, fmt.Errorf("%w: temperature threshold must be a number", ErrInvalidInput)
	}

	now := float64(s.aggregator.Resolver().Now())
	settings := &model.Settings{
		PriceVndPerKwh:        math.Round(priceVndPerKwh),
		TemperatureThresholdC: tempThresholdC,
		UpdatedAt:             &now,
	}
	values := map[string]any{
		model.SettingsPath + "/priceVndPerKwh": settings.PriceVndPerKwh,
		model.SettingsPath + "/tempThresholdC": settings.TemperatureThresholdC,
		model.SettingsPath + "/updatedTs":      now,
	}

	if err := s.write(ctx, values); err != nil {
		return nil, fmt.Errorf("failed to update settings: %w", err)
	}

	s.logger.Info("settings updated",
		zap.Float64("price_vnd_per_kwh", settings.PriceVndPerKwh),
		zap.Float64("temp_threshold_c", settings.TemperatureThresholdC),
	)
	return settings, nil
}

// Settings returns the stored settings, or the defaults with false when the
// record does not exist yet.
func (s *AdminService) Settings(ctx context.Context) (model.Settings, bool, error) {
	raw, err := s.read(ctx, model.SettingsPath)
	if err != nil {
		return s.defaults, false, fmt.Errorf("failed to read settings: %w", err)
	}
	settings, err := s.validator.DecodeSettings(raw, s.defaults)
	if err != nil {
		return s.defaults, false, fmt.Errorf("failed to decode settings: %w", err)
	}
	if settings == nil {
		return s.defaults, false, nil
	}
	return *settings, true, nil
}

// History lists completed sessions across all stations. The bindings and
// users collections only enrich names, so failing to read them is not fatal.
func (s *AdminService) History(ctx context.Context) ([]aggregator.HistoryRow, aggregator.HistoryTotals, error) {
	raw, err := s.read(ctx, model.SessionsPath)
	if err != nil {
		return nil, aggregator.HistoryTotals{}, fmt.Errorf("failed to read sessions: %w", err)
	}
	sessions, skipped, err := s.validator.DecodeSessions(raw)
	if err != nil {
		return nil, aggregator.HistoryTotals{}, fmt.Errorf("failed to decode sessions: %w", err)
	}
	if len(skipped) > 0 {
		s.logger.Warn("skipping malformed sessions", zap.Strings("session_ids", skipped))
	}

	bindings := map[string]string{}
	if raw, err := s.read(ctx, model.RfidMapPath); err != nil {
		s.logger.Warn("failed to read card bindings", zap.Error(err))
	} else if err := decodeBindings(raw, bindings); err != nil {
		s.logger.Warn("failed to decode card bindings", zap.Error(err))
	}

	users := map[string]model.UserProfile{}
	if raw, err := s.read(ctx, model.UsersPath); err != nil {
		s.logger.Warn("failed to read users", zap.Error(err))
	} else if decoded, err := s.validator.DecodeUsers(raw); err != nil {
		s.logger.Warn("failed to decode users", zap.Error(err))
	} else {
		users = decoded
	}

	var settings *model.Settings
	if current, ok, err := s.Settings(ctx); err == nil && ok {
		settings = &current
	}

	rows, totals := s.aggregator.History(sessions, bindings, users, settings)
	return rows, totals, nil
}

// SetCharging flips the charging flag of one port
func (s *AdminService) SetCharging(ctx context.Context, stationID, port string, charging bool) error {
	if err := checkSegment(stationID); err != nil {
		return err
	}
	if err := checkSegment(port); err != nil {
		return err
	}
	values := map[string]any{
		model.StatusPath(stationID, port) + "/isCharging": charging,
	}
	if err := s.write(ctx, values); err != nil {
		return fmt.Errorf("failed to set charging state: %w", err)
	}
	s.logger.Info("charging state set",
		zap.String("station_id", stationID),
		zap.String("port", port),
		zap.Bool("is_charging", charging),
	)
	return nil
}

func (s *AdminService) write(ctx context.Context, values map[string]any) error {
	if err := s.store.Authenticate(ctx); err != nil {
		return err
	}
	return s.store.Update(ctx, values)
}

func (s *AdminService) read(ctx context.Context, path string) (json.RawMessage, error) {
	if err := s.store.Authenticate(ctx); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, path)
}

func decodeBindings(raw json.RawMessage, out map[string]string) error {
	var entries map[string]any
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}
	for card, uid := range entries {
		if s, ok := uid.(string); ok && strings.TrimSpace(s) != "" {
			out[card] = strings.TrimSpace(s)
		}
	}
	return nil
}

func checkSegment(s string) error {
	if s == "" || strings.ContainsAny(s, "/.#$[]") {
		return fmt.Errorf("%w: %q is not a valid key", ErrInvalidInput, s)
	}
	return nil
}
