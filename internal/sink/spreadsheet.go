// Package sink pushes successful transaction notifications to external
// collaborators. All sinks are fire-and-forget: a failure is logged by the
// caller and never affects queue or ledger state.
package sink

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
)

// Notification is the flat record pushed on successful transaction creation.
type Notification struct {
	Date       time.Time
	Item       string
	Category   string
	Type       string
	Quantity   string
	Unit       string
	User       string
	Reason     string
	Location   string
	Amount     string
	BillNumber string
}

// Sink receives transaction notifications.
type Sink interface {
	Push(ctx context.Context, n Notification) error
}

const sheetName = "Transactions"

var headerRow = []any{
	"Date", "Item", "Category", "Type", "Quantity", "Unit",
	"User", "Reason", "Location", "Amount", "Bill Number",
}

// Spreadsheet appends one row per notification to an xlsx workbook.
// Pushes are serialized: concurrent writers would read the same next-row
// index and overwrite each other's save.
type Spreadsheet struct {
	mu   sync.Mutex
	path string
}

// NewSpreadsheet creates a sink writing to the workbook at path. The file is
// created on first push.
func NewSpreadsheet(path string) *Spreadsheet {
	return &Spreadsheet{path: path}
}

// Push appends the notification as a row and saves the workbook.
func (s *Spreadsheet) Push(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, fresh, err := s.open()
	if err != nil {
		return err
	}
	defer f.Close()

	if fresh {
		index, err := f.NewSheet(sheetName)
		if err != nil {
			return fmt.Errorf("create sheet: %w", err)
		}
		f.SetActiveSheet(index)
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return fmt.Errorf("drop default sheet: %w", err)
		}
		if err := f.SetSheetRow(sheetName, "A1", &headerRow); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}

	cell, err := excelize.CoordinatesToCellName(1, len(rows)+1)
	if err != nil {
		return fmt.Errorf("next row cell: %w", err)
	}

	row := []any{
		n.Date.Format("2006-01-02 15:04:05"),
		n.Item, n.Category, n.Type, n.Quantity, n.Unit,
		n.User, n.Reason, n.Location, n.Amount, n.BillNumber,
	}
	if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
		return fmt.Errorf("append row: %w", err)
	}

	if err := f.SaveAs(s.path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func (s *Spreadsheet) open() (*excelize.File, bool, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return excelize.NewFile(), true, nil
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("open workbook: %w", err)
	}
	return f, false, nil
}
