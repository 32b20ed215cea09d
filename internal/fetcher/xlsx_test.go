package fetcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	err := f.Save(path)
	require.NoError(t, err)
	return path
}

func TestReadXLSX_Basic(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"id", "phone"},
			{"r1", "555-010-0000"},
		},
	})

	rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"r1", "555-010-0000"}, rows[1])

	rows, err = ReadXLSX(path, XLSXOptions{SkipRows: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestReadXLSX_SheetSelection(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{"Registry": {{"id"}}})

	_, err := ReadXLSX(path, XLSXOptions{SheetName: "Registry"})
	require.NoError(t, err)

	_, err = ReadXLSX(path, XLSXOptions{SheetName: "Nope"})
	assert.Error(t, err)

	_, err = ReadXLSX(path, XLSXOptions{SheetIndex: 3})
	assert.Error(t, err)

	_, err = ReadXLSX(path, XLSXOptions{SheetIndex: -1})
	assert.Error(t, err)
}

func TestReadXLSX_TrimAndSkipBlank(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"id", "switchboard"},
			{"", "  "},
			{" r1 ", "+15550009999 "},
		},
	})

	rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, " r1 ", rows[2][0])

	rows, err = ReadXLSX(path, XLSXOptions{TrimSpace: true, SkipBlank: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"r1", "+15550009999"}, rows[1])
}

func TestReadXLSX_MissingFile(t *testing.T) {
	_, err := ReadXLSX(filepath.Join(t.TempDir(), "none.xlsx"), XLSXOptions{})
	assert.Error(t, err)
}
