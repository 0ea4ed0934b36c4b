package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/signalsfoundry/satellite-access/internal/logging"
	"github.com/signalsfoundry/satellite-access/internal/store"
)

// reload applies the controller's current remote config. Any failed step
// leaves the previous settings, caches and resolver in place.
func (e *Engine) reload() {
	ctx := context.Background()

	rc := e.deps.Controller.RemoteConfig()
	if rc == nil {
		e.rejectReload(ctx, ReloadRejectedNoConfig, errors.New("no remote config available"))
		return
	}
	if len(rc.CountryCodes) == 0 {
		e.rejectReload(ctx, ReloadRejectedCodes, errors.New("country code list is empty"))
		return
	}
	for _, code := range rc.CountryCodes {
		if !validCountryCode(code) {
			e.rejectReload(ctx, ReloadRejectedCodes, fmt.Errorf("invalid country code %q", code))
			return
		}
	}
	if rc.IsAllowedRegion == nil {
		e.rejectReload(ctx, ReloadRejectedRegionFlag, errors.New("allowed-region flag is missing"))
		return
	}
	path := rc.GeofenceFile
	if path == "" || !e.deps.Files.Exists(path) {
		e.rejectReload(ctx, ReloadRejectedGeofence, fmt.Errorf("geofence file %q does not exist", path))
		return
	}

	var staged string
	if dir := e.cfg.GeofenceDataDir; dir != "" {
		tmp, err := stageGeofence(path, dir)
		if err != nil {
			e.rejectReload(ctx, ReloadRejectedCopy, err)
			return
		}
		staged = tmp
	}

	codes := normalizeCodes(rc.CountryCodes)
	allowed := *rc.IsAllowedRegion
	var edit store.Edit
	edit.PutBool(KeyAllow, allowed).PutStringSet(KeyCountryCodes, codes)
	if err := e.deps.Store.Apply(ctx, edit); err != nil {
		if staged != "" {
			_ = os.Remove(staged)
		}
		e.rejectReload(ctx, ReloadRejectedStore, fmt.Errorf("persist settings: %w", err))
		return
	}

	if staged != "" {
		final := filepath.Join(e.cfg.GeofenceDataDir, geofenceCopyName)
		if err := os.Rename(staged, final); err != nil {
			_ = os.Remove(staged)
			e.log.Warn(ctx, "keeping remote geofence path; local copy failed", logging.Error(err))
		} else {
			path = final
		}
	}

	e.allowed = allowed
	e.codes = codes
	e.codeSet = codeSet(codes)
	e.geofenceFile = path
	e.cache.Clear()
	e.answer = answerCache{}
	e.cancelIdleTimer()
	e.releaseResolver()

	e.reloadsAccepted++
	e.metrics.ObserveReload(ReloadAccepted)
	e.log.Info(ctx, "access config reloaded",
		logging.Bool("allowed_region", allowed),
		logging.Any("country_codes", codes),
		logging.String("geofence_file", path),
	)
}

func (e *Engine) rejectReload(ctx context.Context, outcome string, err error) {
	e.reloadsRejected++
	e.metrics.ObserveReload(outcome)
	e.log.Warn(ctx, "access config reload rejected",
		logging.String("outcome", outcome),
		logging.Error(err),
	)
}

// stageGeofence copies src into a temporary file inside dir and returns its
// path. The caller renames it into place once the settings are persisted.
func stageGeofence(src, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create geofence dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open geofence %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, geofenceCopyName+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create geofence copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("copy geofence: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("close geofence copy: %w", err)
	}
	return out.Name(), nil
}
