package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Backup kinds. Automatic backups are unlimited and pruned server-side;
// snapshots count against the subscription quota.
const (
	BackupKindAuto     = "auto"
	BackupKindSnapshot = "snapshot"
)

// DeviceInfo identifies the device that produced a backup.
type DeviceInfo struct {
	ID         string `json:"id"`
	Hostname   string `json:"hostname,omitempty"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// BackupStats summarises a backup payload.
type BackupStats struct {
	SizeBytes int64 `json:"size_bytes"`
	Modules   int   `json:"modules,omitempty"`
}

// BackupRecord is a stored snapshot of application state.
type BackupRecord struct {
	ID           string          `json:"id"`
	Kind         string          `json:"type"`
	Sequence     int64           `json:"sequence"`
	Name         string          `json:"snapshot_name,omitempty"`
	Description  string          `json:"snapshot_description,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	ContentHash  string          `json:"content_hash"`
	Stats        BackupStats     `json:"stats"`
	CreatedAt    time.Time       `json:"created_at"`
	Device       DeviceInfo      `json:"device_info"`
	RestoreCount int             `json:"restore_count"`
}

// BackupPage is one page of a backup listing.
type BackupPage struct {
	Backups    []BackupRecord `json:"backups"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PerPage    int            `json:"per_page"`
	TotalPages int            `json:"total_pages"`
}

// CreateBackupRequest is the body for POST /backups.
type CreateBackupRequest struct {
	Kind        string          `json:"type"`
	Config      json.RawMessage `json:"config"`
	Name        string          `json:"snapshot_name,omitempty"`
	Description string          `json:"snapshot_description,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	Stats       BackupStats     `json:"stats,omitempty"`
	Device      DeviceInfo      `json:"device_info"`
}

type updateBackupRequest struct {
	Name        string `json:"snapshot_name"`
	Description string `json:"snapshot_description"`
}

// CreateBackup uploads a new backup record.
func (c *Client) CreateBackup(ctx context.Context, bearer string, req CreateBackupRequest) (*BackupRecord, error) {
	var rec BackupRecord
	if err := c.doJSON(ctx, http.MethodPost, "/backups", bearer, req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListBackups fetches one page of backups, optionally filtered by kind.
func (c *Client) ListBackups(ctx context.Context, bearer string, page, perPage int, kind string) (*BackupPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if kind != "" {
		q.Set("type", kind)
	}
	var result BackupPage
	if err := c.doJSON(ctx, http.MethodGet, queryPath("/backups", q), bearer, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBackup fetches a single backup record including its payload.
func (c *Client) GetBackup(ctx context.Context, bearer, id string) (*BackupRecord, error) {
	var rec BackupRecord
	if err := c.doJSON(ctx, http.MethodGet, "/backups/"+url.PathEscape(id), bearer, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateBackup renames a snapshot and/or changes its description.
func (c *Client) UpdateBackup(ctx context.Context, bearer, id, name, description string) (*BackupRecord, error) {
	var rec BackupRecord
	body := updateBackupRequest{Name: name, Description: description}
	if err := c.doJSON(ctx, http.MethodPut, "/backups/"+url.PathEscape(id), bearer, body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteBackup removes a snapshot.
func (c *Client) DeleteBackup(ctx context.Context, bearer, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/backups/"+url.PathEscape(id), bearer, nil, nil)
}

// MarkRestored bumps the restore counter on a backup record.
func (c *Client) MarkRestored(ctx context.Context, bearer, id string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/backups/%s/restore", url.PathEscape(id)), bearer, nil, nil)
}
