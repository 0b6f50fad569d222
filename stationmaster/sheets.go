package stationmaster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const sheetsValueInputOption = "RAW"

// SheetsMirror is a write-only reporting mirror: one row per callsign
// holder, upserted by Discord user ID, routed to one of two tabs by rank
// tier. Mirror failures are logged by callers and never block a sync.
type SheetsMirror struct {
	config  *SheetsConfig
	logger  *slog.Logger
	service *sheets.Service
}

func newSheetsMirror(
	ctx context.Context,
	config *SheetsConfig,
	logger *slog.Logger,
) (*SheetsMirror, error) {
	if !config.Enabled {
		return nil, nil
	}
	service, err := sheets.NewService(
		ctx,
		option.WithCredentialsFile(config.CredentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating sheets service: %w", err)
	}
	return &SheetsMirror{
		config:  config,
		logger:  logger.With(loggerNameKey, "sheets"),
		service: service,
	}, nil
}

// tabFor routes a record by FENZ rank tier: supervisors and leadership go
// to the command tab, everyone else to the regular tab.
func (s *SheetsMirror) tabFor(rec *CallsignRecord) string {
	switch tierOf(FENZPriority(rec.FENZPrefix)) {
	case TierSupervisor, TierLeadership:
		return s.config.CommandTab
	default:
		return s.config.RegularTab
	}
}

func sheetRow(rec *CallsignRecord) []any {
	return []any{
		rec.UserID,
		rec.Username,
		rec.Callsign,
		rec.FENZPrefix,
		rec.HHStJPrefix,
		rec.IdentityUsername,
		fmt.Sprintf("%d", rec.IdentityID),
		time.UnixMilli(rec.UpdatedAt).UTC().Format(time.RFC3339),
	}
}

// findRow returns the 1-based row index holding the user ID in column A,
// or 0 if absent.
func (s *SheetsMirror) findRow(
	ctx context.Context,
	tab string,
	userID string,
) (int, error) {
	resp, err := s.service.Spreadsheets.Values.Get(
		s.config.SpreadsheetID,
		fmt.Sprintf("%s!A:A", tab),
	).Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for i, row := range resp.Values {
		if len(row) > 0 && fmt.Sprint(row[0]) == userID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// UpsertRecord writes the record's row to its tier tab, replacing any
// existing row for the same user ID.
func (s *SheetsMirror) UpsertRecord(
	ctx context.Context,
	rec *CallsignRecord,
) error {
	tab := s.tabFor(rec)
	values := &sheets.ValueRange{Values: [][]any{sheetRow(rec)}}

	row, err := s.findRow(ctx, tab, rec.UserID)
	if err != nil {
		return err
	}
	if row > 0 {
		_, err = s.service.Spreadsheets.Values.Update(
			s.config.SpreadsheetID,
			fmt.Sprintf("%s!A%d", tab, row),
			values,
		).ValueInputOption(sheetsValueInputOption).Context(ctx).Do()
		return err
	}
	_, err = s.service.Spreadsheets.Values.Append(
		s.config.SpreadsheetID,
		fmt.Sprintf("%s!A:H", tab),
		values,
	).ValueInputOption(sheetsValueInputOption).Context(ctx).Do()
	return err
}

// RemoveRecord clears the row for a user ID from both tabs, if present.
func (s *SheetsMirror) RemoveRecord(ctx context.Context, userID string) error {
	for _, tab := range []string{s.config.RegularTab, s.config.CommandTab} {
		row, err := s.findRow(ctx, tab, userID)
		if err != nil {
			return err
		}
		if row == 0 {
			continue
		}
		_, err = s.service.Spreadsheets.Values.Clear(
			s.config.SpreadsheetID,
			fmt.Sprintf("%s!A%d:H%d", tab, row, row),
			&sheets.ClearValuesRequest{},
		).Context(ctx).Do()
		if err != nil {
			return err
		}
	}
	return nil
}
