package remote

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynote/internal/document"
)

func sampleSnapshot() document.Snapshot {
	at := time.Date(2026, 5, 4, 9, 30, 0, 123_000_000, time.UTC)
	width := 120
	return document.Snapshot{
		{
			ID:         "w1",
			Name:       "Home",
			IsExpanded: true,
			OwnerID:    "alice",
			Visibility: document.VisibilityPrivate,
			UpdatedAt:  at,
			Tables: []document.Table{{
				ID:   "t1",
				Name: "Groceries",
				Columns: []document.Column{
					{ID: "c1", Title: "Item", Type: document.CellText, Width: &width},
					{ID: "c2", Title: "Qty", Type: document.CellNumber, Aggregation: document.AggregationSum},
				},
				Rows: []document.Row{{
					ID:    "r1",
					Cells: map[string]string{"c1": "Buy milk", "c2": "2"},
					Children: []document.Row{
						{ID: "r2", Cells: map[string]string{"c1": "oat"}},
					},
					IsExpanded: true,
				}},
				Appearance: &document.Appearance{HeaderColor: "#336699"},
				UpdatedAt:  at,
			}},
			Notes: []document.Note{{
				ID:        "n1",
				Name:      "Todo",
				Content:   "call mum",
				WordWrap:  true,
				CreatedAt: at,
				UpdatedAt: at,
			}},
		},
		{
			ID:         "w2",
			Name:       "Work",
			Visibility: document.VisibilityTeam,
			UpdatedAt:  at,
			Tables:     []document.Table{},
			Notes:      []document.Note{},
		},
	}
}

func TestSnapshotRowsRoundTrip(t *testing.T) {
	snap := sampleSnapshot()
	ws, tables, notes, err := SnapshotRows(snap)
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, 1, ws[1].Position)

	// shuffle positions so assembly has to sort
	d := Dataset{Workspaces: []WorkspaceRow{ws[1], ws[0]}, Tables: tables, Notes: notes}
	got, problems := d.Snapshot()
	assert.Empty(t, problems)
	assert.Equal(t, snap, got)
}

func TestDatasetSnapshotSkipsOrphansAndInvalidTables(t *testing.T) {
	_, tables, notes, err := SnapshotRows(sampleSnapshot())
	require.NoError(t, err)

	broken := tables[0]
	broken.ID = "t-bad"
	broken.Columns = JSONText(`[{"id":"c1","type":"spreadsheet"}]`)
	orphan := notes[0]
	orphan.ID = "n-orphan"
	orphan.WorkspaceID = "w-gone"

	d := Dataset{
		Workspaces: []WorkspaceRow{{ID: "w1", Name: "Home"}},
		Tables:     []TableRow{tables[0], broken},
		Notes:      []NoteRow{notes[0], orphan},
	}
	snap, problems := d.Snapshot()
	require.Len(t, problems, 2)
	for _, p := range problems {
		assert.True(t, errors.Is(p, ErrInvalidRow), p.Error())
	}
	require.Len(t, snap, 1)
	assert.Len(t, snap[0].Tables, 1)
	assert.Len(t, snap[0].Notes, 1)
}

func TestValidateTableRowRequiresJSON(t *testing.T) {
	err := ValidateTableRow(TableRow{ID: "t1"})
	assert.True(t, errors.Is(err, ErrInvalidRow))

	err = ValidateTableRow(TableRow{ID: "t1", Columns: JSONText(`[]`), Rows: JSONText(`[{"cells":{}}]`)})
	assert.True(t, errors.Is(err, ErrInvalidRow), "row without id")

	err = ValidateTableRow(TableRow{ID: "t1", Columns: JSONText(`[]`), Rows: JSONText(`[]`), Appearance: JSONText(`{"fontSize":200}`)})
	assert.True(t, errors.Is(err, ErrInvalidRow), "font size out of range")

	assert.NoError(t, ValidateTableRow(TableRow{ID: "t1", Columns: JSONText(`[]`), Rows: JSONText(`[]`)}))
}

func TestWireTimeTruncatesToMicroseconds(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 1_234_567, time.FixedZone("x", 3600))
	row := WorkspaceToRow(document.Workspace{ID: "w1", UpdatedAt: at}, 0)
	assert.Equal(t, 1_234_000, row.UpdatedAt.Nanosecond())
	assert.Equal(t, time.UTC, row.UpdatedAt.Location())
	assert.Equal(t, "private", row.Visibility)
}
