package round

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/storyfold/storyfold/internal/events"
	"github.com/storyfold/storyfold/internal/gameerr"
	"github.com/storyfold/storyfold/internal/models"
)

// Setting field names accepted by UpdateSetting.
const (
	SettingMaxPlayers       = "max_players"
	SettingRoundDurationSec = "round_duration_sec"
	SettingTimerMode        = "timer_mode"
	SettingTextCap          = "text_cap"
	SettingDrawingCap       = "drawing_cap"
)

// SubmitSettings replaces the whole settings block. Host-only, lobby must not
// be mid-game.
func (e *Engine) SubmitSettings(ctx context.Context, userID uuid.UUID, code string, settings models.LobbySettings) (models.LobbySettings, error) {
	if err := validateSettings(settings); err != nil {
		return models.LobbySettings{}, err
	}
	err := e.store.WithLobby(ctx, code, func(tx Tx, lobby *models.Lobby) error {
		if lobby.HostUserID != userID {
			return gameerr.ErrNotHost
		}
		if lobby.InProgress() {
			return gameerr.ErrAlreadyStarted
		}
		return tx.UpdateSettings(ctx, code, settings)
	})
	if err != nil {
		return models.LobbySettings{}, err
	}
	e.publish(code, events.TypeSettingsChanged, events.SettingsChangedPayload{Field: "settings", Settings: settings})
	return settings, nil
}

// UpdateSetting applies one per-field settings update and broadcasts the new
// value to the other members. Host-only.
func (e *Engine) UpdateSetting(ctx context.Context, userID uuid.UUID, code, field string, value any) (models.LobbySettings, error) {
	var updated models.LobbySettings
	err := e.store.WithLobby(ctx, code, func(tx Tx, lobby *models.Lobby) error {
		if lobby.HostUserID != userID {
			return gameerr.ErrNotHost
		}
		if lobby.InProgress() {
			return gameerr.ErrAlreadyStarted
		}
		settings := lobby.Settings
		if err := applySetting(&settings, field, value); err != nil {
			return err
		}
		if err := validateSettings(settings); err != nil {
			return err
		}
		updated = settings
		return tx.UpdateSettings(ctx, code, settings)
	})
	if err != nil {
		return models.LobbySettings{}, err
	}
	e.publish(code, events.TypeSettingsChanged, events.SettingsChangedPayload{Field: field, Settings: updated})
	return updated, nil
}

func applySetting(settings *models.LobbySettings, field string, value any) error {
	switch field {
	case SettingMaxPlayers:
		n, err := asInt(value)
		if err != nil {
			return err
		}
		settings.MaxPlayers = n
	case SettingRoundDurationSec:
		n, err := asInt(value)
		if err != nil {
			return err
		}
		settings.RoundDurationSec = n
	case SettingTextCap:
		n, err := asInt(value)
		if err != nil {
			return err
		}
		settings.TextCap = n
	case SettingDrawingCap:
		n, err := asInt(value)
		if err != nil {
			return err
		}
		settings.DrawingCap = n
	case SettingTimerMode:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("setting %s expects a string, got %T", field, value)
		}
		settings.TimerMode = models.TimerMode(s)
	default:
		return fmt.Errorf("unknown setting field %q", field)
	}
	return nil
}

func validateSettings(s models.LobbySettings) error {
	if s.MaxPlayers < 0 {
		return fmt.Errorf("max_players must be >= 0")
	}
	if s.MaxPlayers > 0 && s.MaxPlayers < minPlayers {
		return fmt.Errorf("max_players must be 0 (unlimited) or >= %d", minPlayers)
	}
	if s.RoundDurationSec < 0 {
		return fmt.Errorf("round_duration_sec must be >= 0")
	}
	switch s.TimerMode {
	case models.TimerModeOff, models.TimerModeNormal, models.TimerModeFast:
	default:
		return fmt.Errorf("unknown timer mode %q", s.TimerMode)
	}
	if s.TextCap < 0 || s.DrawingCap < 0 {
		return fmt.Errorf("content caps must be >= 0")
	}
	return nil
}

// asInt accepts the numeric shapes JSON decoding produces.
func asInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}
