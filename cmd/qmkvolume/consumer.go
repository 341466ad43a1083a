package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DisplayResult describes one attempt to paint the keyboards.
type DisplayResult struct {
	Level   int
	Muted   bool
	Devices int
	Err     error
	At      time.Time
}

// runDisplayConsumer is the display goroutine: it takes the newest effective
// volume from slot and pushes it to the keyboards.
//
// Failures are logged and the loop waits for the next change; nothing is retried.
// notify, if non-nil, is called after every attempt.
func runDisplayConsumer(
	ctx context.Context,
	slot *Slot[EffectiveVolume],
	writer *DisplayWriter,
	notify func(DisplayResult),
	logger *slog.Logger,
) error {
	for {
		v, err := slot.Take(ctx)
		if err != nil {
			logger.Info("display consumer stopping", "reason", err)
			return nil
		}

		if !v.Valid {
			logger.Debug("no default sink volume; leaving display untouched")
			continue
		}

		res := showEffectiveVolume(writer, v, logger)
		if notify != nil {
			notify(res)
		}
	}
}

func showEffectiveVolume(writer *DisplayWriter, v EffectiveVolume, logger *slog.Logger) DisplayResult {
	level := LevelFromVolume(v.Volume)
	res := DisplayResult{Level: level, Muted: v.Muted, At: time.Now()}

	cmd, err := SetVolumeFromLevel(level, v.Muted)
	if err != nil {
		logger.Warn("volume out of display range", "volume", v.Volume, "level", level, "error", err)
		res.Err = err
		return res
	}

	logger.Debug("showing volume", "volume", v.Volume, "level", level, "muted", v.Muted)
	err = writer.Show(cmd)
	res.Devices = writer.DeviceCount()
	res.Err = err

	var te *TransportError
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidVolume):
		logger.Warn("display rejected volume", "level", level, "error", err)
	case errors.As(err, &te):
		logger.Error("display transport failed", "error", err)
	case errors.Is(err, ErrUnsuccessful):
		logger.Error("display did not acknowledge volume", "error", err)
	default:
		logger.Error("display update failed", "error", err)
	}
	return res
}
