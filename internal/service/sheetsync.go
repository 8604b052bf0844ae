package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/qqqwwwyeee-boop/server5/internal/model"
)

// SheetHeader is the first row of the mirror sheet.
var SheetHeader = []interface{}{
	"key", "status", "expiry", "activated", "months", "resume", "registered", "device", "first_use",
}

// SheetSyncService mirrors license keys into a Google Sheet, one row per key.
// The sheet is a read-only view for the developer; the store stays
// authoritative. A nil *SheetSyncService is a no-op.
type SheetSyncService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
}

func NewSheetSyncService(ctx context.Context, enableSync bool, credentialPath, spreadsheetID, sheetName string) (*SheetSyncService, error) {
	if !enableSync {
		return nil, nil
	}

	b, err := os.ReadFile(credentialPath)
	if err != nil {
		return nil, errors.Wrap(err, "read sheets credentials")
	}

	creds, err := google.CredentialsFromJSON(ctx, b, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, errors.Wrap(err, "load sheets credentials")
	}

	srv, err := sheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, errors.Wrap(err, "create sheets client")
	}

	s := newSheetSync(srv, spreadsheetID, sheetName)
	if err := s.ensureSheet(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newSheetSync(srv *sheets.Service, spreadsheetID, sheetName string) *SheetSyncService {
	return &SheetSyncService{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}
}

func (s *SheetSyncService) ensureSheet(ctx context.Context) error {
	spreadsheet, err := s.service.Spreadsheets.Get(s.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "get spreadsheet")
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == s.sheetName {
			return nil
		}
	}
	return fmt.Errorf("sheet %q not found in spreadsheet %s", s.sheetName, s.spreadsheetID)
}

// SyncKey updates the key's row, appending one if the key is new.
func (s *SheetSyncService) SyncKey(ctx context.Context, key *model.LicenseKey) error {
	if s == nil {
		return nil
	}

	keyResp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A2:A").Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "read sheet keys")
	}

	rowIndex := 0
	for i, row := range keyResp.Values {
		if len(row) > 0 && fmt.Sprint(row[0]) == key.Key {
			rowIndex = i + 2 // data starts at A2
			break
		}
	}

	values := &sheets.ValueRange{Values: [][]interface{}{keyRow(key)}}
	if rowIndex > 0 {
		rangeData := fmt.Sprintf("%s!A%d:I%d", s.sheetName, rowIndex, rowIndex)
		_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, values).
			ValueInputOption("RAW").Context(ctx).Do()
	} else {
		_, err = s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A2:I", values).
			ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	}
	if err != nil {
		return errors.Wrapf(err, "sync key %s to sheet", model.MaskKey(key.Key))
	}

	log.Debug().Str("key", model.MaskKey(key.Key)).Bool("updated", rowIndex > 0).Msg("license key mirrored to sheet")
	return nil
}

// BatchSyncKeys rewrites the whole sheet from the given records.
func (s *SheetSyncService) BatchSyncKeys(ctx context.Context, keys []*model.LicenseKey) error {
	if s == nil {
		return nil
	}

	values := make([][]interface{}, 0, len(keys)+1)
	values = append(values, SheetHeader)
	for _, k := range keys {
		values = append(values, keyRow(k))
	}

	if _, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, s.sheetName+"!A:I", &sheets.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return errors.Wrap(err, "clear sheet")
	}

	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.sheetName+"!A1:I", &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "write sheet")
	}

	log.Info().Int("count", len(keys)).Msg("license keys exported to sheet")
	return nil
}

func keyRow(k *model.LicenseKey) []interface{} {
	resume, device, firstUse := "", "", ""
	if k.ResumeAt != nil {
		resume = k.ResumeAt.UTC().Format(time.RFC3339)
	}
	if k.Binding != nil {
		device = k.Binding.DeviceID
	}
	if k.FirstUseAt != nil {
		firstUse = k.FirstUseAt.UTC().Format(time.RFC3339)
	}
	return []interface{}{
		k.Key,
		string(k.Status),
		k.Expiry.String(),
		k.ActivatedAt.UTC().Format(time.RFC3339),
		k.Months,
		resume,
		k.Registered(),
		device,
		firstUse,
	}
}
