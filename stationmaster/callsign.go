package stationmaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

var (
	columnCallsignUserID      = "user_id"
	columnCallsignCallsign    = "callsign"
	columnCallsignFENZPrefix  = "fenz_prefix"
	columnCallsignHHStJPrefix = "hhstj_prefix"
)

// CallsignRecord is the persisted callsign assignment for a guild member.
// At most one record exists per user; reassignment replaces the row
// entirely, carrying the prior values forward in History.
//
//nolint:lll // struct tags can't be split
type CallsignRecord struct {
	ID uint `json:"id" gorm:"primaryKey"`

	// UserID is the Discord user ID
	UserID string `json:"user_id" gorm:"uniqueIndex;type:string"`

	// Username is the Discord username at assignment time, kept for
	// readability of exports and logs
	Username string `json:"username" gorm:"type:string"`

	// Callsign is either a normalized numeric string (leading zeros
	// stripped) or one of the sentinels "Not Assigned" / "BLANK"
	Callsign string `json:"callsign" gorm:"type:string"`

	// FENZPrefix and HHStJPrefix are the last-known short codes. The HHStJ
	// value may be a shortened rendering the member picked; resyncs keep it
	// as long as it remains valid for their current role.
	FENZPrefix  string `json:"fenz_prefix" gorm:"column:fenz_prefix;type:string"`
	HHStJPrefix string `json:"hhstj_prefix" gorm:"column:hhstj_prefix;type:string"`

	// Resolved external identity, cached at assignment time
	IdentityUsername string `json:"identity_username" gorm:"type:string"`
	IdentityID       int64  `json:"identity_id"`

	// Approver is the Discord user ID of whoever approved the assignment
	Approver string `json:"approver" gorm:"type:string"`

	// History is an append-only JSON log of prior values, written whenever
	// the record is overwritten
	History string `json:"history" gorm:"type:string"`

	ModelUnixTime
}

func (c *CallsignRecord) String() string {
	return fmt.Sprintf("%s-%s [%s]", c.FENZPrefix, c.Callsign, c.UserID)
}

func (c *CallsignRecord) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String(columnCallsignUserID, c.UserID),
		slog.String(columnCallsignCallsign, c.Callsign),
		slog.String(columnCallsignFENZPrefix, c.FENZPrefix),
		slog.String(columnCallsignHHStJPrefix, c.HHStJPrefix),
		slog.String("identity_username", c.IdentityUsername),
	)
}

// CallsignHistoryEntry is one snapshot in a record's History log.
type CallsignHistoryEntry struct {
	Callsign         string `json:"callsign"`
	FENZPrefix       string `json:"fenz_prefix"`
	HHStJPrefix      string `json:"hhstj_prefix"`
	IdentityUsername string `json:"identity_username"`
	IdentityID       int64  `json:"identity_id"`
	Approver         string `json:"approver"`
	ReplacedAt       int64  `json:"replaced_at"`
}

// historyEntries decodes the record's History column. A malformed log is
// treated as empty rather than blocking a reassignment.
func (c *CallsignRecord) historyEntries() []CallsignHistoryEntry {
	if c.History == "" {
		return nil
	}
	var entries []CallsignHistoryEntry
	if err := json.Unmarshal([]byte(c.History), &entries); err != nil {
		return nil
	}
	return entries
}

func (c *CallsignRecord) snapshot() CallsignHistoryEntry {
	return CallsignHistoryEntry{
		Callsign:         c.Callsign,
		FENZPrefix:       c.FENZPrefix,
		HHStJPrefix:      c.HHStJPrefix,
		IdentityUsername: c.IdentityUsername,
		IdentityID:       c.IdentityID,
		Approver:         c.Approver,
		ReplacedAt:       time.Now().UTC().UnixMilli(),
	}
}

// DuplicateCallsignError indicates a (callsign, fenz_prefix) pair is
// already claimed by another member. Sentinel callsigns are exempt and
// never produce this error.
type DuplicateCallsignError struct {
	Conflicting *CallsignRecord
}

func (e *DuplicateCallsignError) Error() string {
	return fmt.Sprintf(
		"callsign %s-%s already assigned to user %s",
		e.Conflicting.FENZPrefix,
		e.Conflicting.Callsign,
		e.Conflicting.UserID,
	)
}

// GetCallsignRecord loads the record for a user, or nil if none exists.
func GetCallsignRecord(
	ctx context.Context,
	db DBI,
	userID string,
) (*CallsignRecord, error) {
	var rec CallsignRecord
	err := db.DB().WithContext(ctx).Where(
		"user_id = ?", userID,
	).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReplaceCallsign atomically assigns rec to its user: any existing row is
// deleted, its values are appended to the new row's History, and the new
// row is inserted - all in a single transaction, so the delete can never
// apply without the insert.
//
// Returns a *DuplicateCallsignError if the (callsign, fenz_prefix) pair is
// held by a different user and the callsign isn't a sentinel.
func ReplaceCallsign(
	ctx context.Context,
	db DBI,
	rec *CallsignRecord,
) error {
	rec.Callsign = NormalizeCallsign(rec.Callsign)

	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if !IsSentinelCallsign(rec.Callsign) {
				var conflict CallsignRecord
				err := tx.Where(
					"callsign = ? AND fenz_prefix = ? AND user_id <> ?",
					rec.Callsign,
					rec.FENZPrefix,
					rec.UserID,
				).First(&conflict).Error
				if err == nil {
					return &DuplicateCallsignError{Conflicting: &conflict}
				}
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
			}

			var old CallsignRecord
			err := tx.Where("user_id = ?", rec.UserID).First(&old).Error
			switch {
			case err == nil:
				history := append(old.historyEntries(), old.snapshot())
				data, marshalErr := json.Marshal(history)
				if marshalErr != nil {
					return marshalErr
				}
				rec.History = string(data)
				if e := tx.Unscoped().Delete(&old).Error; e != nil {
					return e
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
				//
			default:
				return err
			}

			return tx.Create(rec).Error
		},
	)
}

// RemoveCallsign deletes the record for a user. Returns the removed record,
// or nil if the user had none.
func RemoveCallsign(
	ctx context.Context,
	db DBI,
	userID string,
) (*CallsignRecord, error) {
	rec, err := GetCallsignRecord(ctx, db, userID)
	if err != nil || rec == nil {
		return nil, err
	}
	err = db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Unscoped().Delete(rec).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PruneInactiveCallsigns removes records that haven't been touched within
// the inactivity window, and returns how many were removed. A window of 0
// disables pruning.
func PruneInactiveCallsigns(
	ctx context.Context,
	db DBI,
	window time.Duration,
) (int64, error) {
	if window <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-window).UnixMilli()
	var pruned int64
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Unscoped().Where(
				"updated_at < ?", cutoff,
			).Delete(&CallsignRecord{})
			pruned = rv.RowsAffected
			return rv.Error
		},
	)
	return pruned, err
}

// ListCallsignRecords returns all records, ordered by FENZ prefix then
// numeric callsign, for exports and the admin API.
func ListCallsignRecords(ctx context.Context, db DBI) ([]CallsignRecord, error) {
	var recs []CallsignRecord
	err := db.DB().WithContext(ctx).Order(
		"fenz_prefix, length(callsign), callsign",
	).Find(&recs).Error
	return recs, err
}
