// Package device maintains the persisted descriptor identifying this
// installation on backup uploads.
package device

import (
	"encoding/json"
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/formcraft/synckit/remote"
	"github.com/formcraft/synckit/storage"
)

const deviceKey = "device-id"

// Load returns the device descriptor, generating and persisting a fresh id
// on first use. Hostname and platform are re-derived on every call so a
// restored data directory on a new machine reports truthfully.
func Load(kv storage.KV, appVersion string) (remote.DeviceInfo, error) {
	info := remote.DeviceInfo{
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		AppVersion: appVersion,
	}
	if host, err := os.Hostname(); err == nil {
		info.Hostname = host
	}

	data, err := kv.Get(deviceKey)
	if err == nil {
		var stored struct {
			ID string `json:"id"`
		}
		if jsonErr := json.Unmarshal(data, &stored); jsonErr == nil && stored.ID != "" {
			info.ID = stored.ID
			return info, nil
		}
	} else if err != storage.ErrNotFound {
		return remote.DeviceInfo{}, errors.Wrap(err, "[device.Load] read")
	}

	info.ID = uuid.New().String()
	data, err = json.Marshal(struct {
		ID string `json:"id"`
	}{ID: info.ID})
	if err != nil {
		return remote.DeviceInfo{}, errors.Wrap(err, "[device.Load] marshal")
	}
	if err := kv.Put(deviceKey, data); err != nil {
		return remote.DeviceInfo{}, errors.Wrap(err, "[device.Load] write")
	}
	return info, nil
}
