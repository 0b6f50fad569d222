package stationmaster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	syncKeyResync       = "resync"
	syncKeyCacheRefresh = "cache_refresh"
)

// SyncMetadata records when each background task last completed.
type SyncMetadata struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	Key        string `json:"key" gorm:"uniqueIndex;type:string"`
	LastSyncAt int64  `json:"last_sync_at"`

	ModelUnixTime
}

func recordSyncCompleted(ctx context.Context, db DBI, key string) error {
	entry := &SyncMetadata{
		Key:        key,
		LastSyncAt: time.Now().UTC().UnixMilli(),
	}
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "key"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{"last_sync_at", "updated_at"},
					),
				},
			).Create(entry).Error
		},
	)
}

// ResyncStats summarizes one incremental resync pass.
type ResyncStats struct {
	MembersSeen       int `json:"members_seen"`
	NicknamesUpdated  int `json:"nicknames_updated"`
	RankChanges       int `json:"rank_changes"`
	ShorthandsKept    int `json:"shorthands_kept"`
	Errors            int `json:"errors"`
	RecordsPruned     int `json:"records_pruned"`
	IdentitiesMissing int `json:"identities_missing"`
}

// resyncMember reconciles one guild member: derives rank codes from live
// roles, preserves a still-valid HHStJ shorthand, recomputes the display
// name, and applies any drift.
func (sm *Stationmaster) resyncMember(
	ctx context.Context,
	member *discordgo.Member,
	stats *ResyncStats,
) error {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = sm.logger
	}

	fenzCode, liveHHStJ := DeriveRankAssignment(sm.config.Discord, member.Roles)
	rec, err := GetCallsignRecord(ctx, sm.db, member.User.ID)
	if err != nil {
		return err
	}
	if rec == nil && fenzCode == "" && liveHHStJ == "" {
		return nil
	}

	callsign := CallsignNotAssigned
	storedHHStJ := ""
	identityName := ""
	if rec != nil {
		callsign = rec.Callsign
		storedHHStJ = rec.HHStJPrefix
		identityName = rec.IdentityUsername
	}

	hhstjCode := liveHHStJ
	rankChanged := false
	if liveHHStJ != "" {
		hhstjCode, rankChanged = PreserveShorthand(storedHHStJ, liveHHStJ)
		if !rankChanged && storedHHStJ != "" && storedHHStJ != liveHHStJ {
			stats.ShorthandsKept++
		}
	} else if storedHHStJ != "" {
		hhstjCode = ""
		rankChanged = true
	}
	if rec != nil && rec.FENZPrefix != fenzCode {
		rankChanged = true
	}

	if identityName == "" {
		result := sm.bloxlink.Resolve(ctx, member.User.ID, sm.config.Discord.GuildID)
		if result.Status == StatusSuccess {
			identityName = result.Username
			if rec != nil {
				rec.IdentityUsername = result.Username
				if result.RobloxID != nil {
					rec.IdentityID = *result.RobloxID
				}
			}
		} else {
			stats.IdentitiesMissing++
		}
	}

	nickname := FormatNickname(fenzCode, callsign, hhstjCode, identityName)
	if err = sm.discord.setMemberNickname(ctx, member, nickname); err != nil {
		log.WarnContext(
			ctx,
			"error setting nickname",
			"user_id", member.User.ID,
			"nickname", nickname,
			tint.Err(err),
		)
		stats.Errors++
	} else if member.Nick != nickname {
		stats.NicknamesUpdated++
	}

	if rec != nil && rankChanged {
		log.InfoContext(
			ctx,
			"rank change detected",
			"user_id", member.User.ID,
			"member", memberDisplayName(member),
			"old_fenz", rec.FENZPrefix,
			"new_fenz", fenzCode,
			"old_hhstj", rec.HHStJPrefix,
			"new_hhstj", hhstjCode,
		)
		stats.RankChanges++
		rec.FENZPrefix = fenzCode
		rec.HHStJPrefix = hhstjCode
		if _, err = sm.db.Save(ctx, rec); err != nil {
			return err
		}
	}

	if sm.sheets != nil && rec != nil {
		if err = sm.sheets.UpsertRecord(ctx, rec); err != nil {
			log.WarnContext(
				ctx,
				"sheet mirror failed",
				"user_id", member.User.ID,
				tint.Err(err),
			)
		}
	}
	return nil
}

// Resync runs one incremental pass over the guild: nickname and rank
// corrections for every member, plus pruning of inactive records.
// Per-member failures are counted, never propagated; the pass always
// completes.
func (sm *Stationmaster) Resync(ctx context.Context) (*ResyncStats, error) {
	log := sm.logger.With(loggerNameKey, "resync")
	ctx = WithLogger(ctx, log)
	started := time.Now()

	guildID := sm.config.Discord.GuildID
	if guildID == "" {
		return nil, errors.New("no guild_id configured")
	}
	members, err := sm.discord.allGuildMembers(guildID)
	if err != nil {
		return nil, fmt.Errorf("error listing guild members: %w", err)
	}

	stats := &ResyncStats{}
	for _, member := range members {
		if ctx.Err() != nil {
			return stats, context.Cause(ctx)
		}
		if member.User == nil || member.User.Bot {
			continue
		}
		stats.MembersSeen++
		if e := sm.resyncMember(ctx, member, stats); e != nil {
			log.ErrorContext(
				ctx,
				"error resyncing member",
				"user_id", member.User.ID,
				"member", memberDisplayName(member),
				tint.Err(e),
			)
			stats.Errors++
		}
	}

	pruned, err := PruneInactiveCallsigns(ctx, sm.db, sm.config.Sync.InactivityWindow)
	if err != nil {
		log.ErrorContext(ctx, "error pruning inactive callsigns", tint.Err(err))
		stats.Errors++
	}
	stats.RecordsPruned = int(pruned)

	if err = recordSyncCompleted(ctx, sm.db, syncKeyResync); err != nil {
		log.ErrorContext(ctx, "error recording sync metadata", tint.Err(err))
	}
	log.InfoContext(
		ctx,
		fmt.Sprintf("resync completed in %s", time.Since(started)),
		"members_seen", stats.MembersSeen,
		"nicknames_updated", stats.NicknamesUpdated,
		"rank_changes", stats.RankChanges,
		"errors", stats.Errors,
	)
	return stats, nil
}

// RefreshIdentityCache runs the daily pass: expired cache entries are
// dropped, then every known callsign holder is re-resolved in bulk and
// fresh identities are written back to their records.
func (sm *Stationmaster) RefreshIdentityCache(ctx context.Context) error {
	log := sm.logger.With(loggerNameKey, "cache_refresh")
	ctx = WithLogger(ctx, log)

	removed, err := sm.bloxlink.CleanupExpiredIdentities(ctx)
	if err != nil {
		log.ErrorContext(ctx, "error cleaning expired identities", tint.Err(err))
	} else if removed > 0 {
		log.InfoContext(ctx, "removed expired identity entries", "count", removed)
	}

	recs, err := ListCallsignRecords(ctx, sm.db)
	if err != nil {
		return err
	}
	userIDs := make([]string, 0, len(recs))
	byUser := make(map[string]*CallsignRecord, len(recs))
	for i := range recs {
		userIDs = append(userIDs, recs[i].UserID)
		byUser[recs[i].UserID] = &recs[i]
	}

	bulk, err := sm.bloxlink.BulkResolve(ctx, userIDs, sm.config.Discord.GuildID)
	if err != nil {
		// the abort path discards partial results; nothing to write back
		return err
	}

	for userID, result := range bulk.Results {
		if result.Status != StatusSuccess {
			continue
		}
		rec := byUser[userID]
		if rec == nil {
			continue
		}
		robloxID := int64(0)
		if result.RobloxID != nil {
			robloxID = *result.RobloxID
		}
		if rec.IdentityUsername == result.Username && rec.IdentityID == robloxID {
			continue
		}
		rec.IdentityUsername = result.Username
		rec.IdentityID = robloxID
		if _, e := sm.db.Save(ctx, rec); e != nil {
			log.ErrorContext(
				ctx,
				"error updating record identity",
				"user_id", userID,
				tint.Err(e),
			)
		}
	}

	log.InfoContext(
		ctx,
		"identity cache refresh completed",
		"records", len(recs),
		"cache_hits", bulk.CacheHits,
		"status_counts", bulk.StatusCounts,
	)
	return recordSyncCompleted(ctx, sm.db, syncKeyCacheRefresh)
}
